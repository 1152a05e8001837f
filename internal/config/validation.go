package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

const supportedBackendList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if _, ok := supportedBackends[strings.ToLower(g.StorageBackend)]; !ok {
		return newFieldError(globalField("StorageBackend"), "仅支持 "+supportedBackendList)
	}
	if g.MaxRetries < 0 {
		return newFieldError(globalField("MaxRetries"), "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(globalField("InitialBackoff"), "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}

	return c.Worker.validate()
}

func (w WorkerConfig) validate() error {
	if err := validateUpstream(w.Origin); err != nil {
		return newFieldError(workerField("Origin"), err.Error())
	}
	if parsed, _ := url.Parse(w.Origin); parsed != nil && strings.Trim(parsed.Path, "/") != "" {
		return newFieldError(workerField("Origin"), "只能是源站根地址，不允许包含路径")
	}
	if w.Proxy != "" {
		if err := validateUpstream(w.Proxy); err != nil {
			return newFieldError(workerField("Proxy"), err.Error())
		}
	}
	if err := validateCacheName(w.CacheName); err != nil {
		return newFieldError(workerField("CacheName"), err.Error())
	}
	if len(w.Manifest) == 0 {
		return newFieldError(workerField("Manifest"), "至少需要一个资源")
	}
	for _, item := range w.Manifest {
		if !strings.HasPrefix(item, "/") {
			return newFieldError(workerField("Manifest"), fmt.Sprintf("必须是以 / 开头的相对路径: %s", item))
		}
	}
	if !containsPath(w.Manifest, w.OfflinePage) {
		return newFieldError(workerField("OfflinePage"), "必须出现在 Manifest 中")
	}
	if w.FetchTimeout.DurationValue() <= 0 {
		return newFieldError(workerField("FetchTimeout"), "必须大于 0")
	}
	if w.MutationTimeout.DurationValue() <= 0 {
		return newFieldError(workerField("MutationTimeout"), "必须大于 0")
	}
	if w.MutationErrorStatus < 200 || w.MutationErrorStatus > 599 {
		return newFieldError(workerField("MutationErrorStatus"), "必须在 200-599")
	}
	return nil
}

func validateCacheName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	if strings.ContainsAny(name, "/\\\x00 ") {
		return errors.New("不允许包含路径分隔符或空白")
	}
	return nil
}

func containsPath(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
