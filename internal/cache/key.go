package cache

import (
	"net"
	"net/url"
	"path"
	"strings"
)

// Key 将请求 URL 规范化为缓存 key：去掉 fragment/userinfo、小写 scheme 与 host、
// 省略默认端口并清理路径中的 "." 与 ".."。查询串原样保留，不做模糊匹配。
func Key(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := *u
	n.User = nil
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)

	host := strings.ToLower(n.Hostname())
	port := n.Port()
	if (n.Scheme == "http" && port == "80") || (n.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		n.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		n.Host = "[" + host + "]"
	} else {
		n.Host = host
	}

	n.Path = cleanPath(n.Path)
	n.RawPath = ""
	n.ForceQuery = false
	return n.String()
}

func cleanPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}
