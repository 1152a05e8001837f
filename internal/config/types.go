package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 接受 Go Duration 字符串（"3s"、"1m30s"）或以秒为单位的数字（"3"、"2.5"）。
type Duration time.Duration

// UnmarshalText 供 TOML/文本解码使用，规则与 durationDecodeHook 一致。
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText 以 Go Duration 字符串输出，供 check-config 与诊断日志使用。
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DurationValue 返回真实的 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return Duration(parsed), nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("无法解析 Duration 字段: %s", raw)
	}
	return Duration(seconds * float64(time.Second)), nil
}

// GlobalConfig 描述进程级运行参数：监听、日志、存储与安装重试策略。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageBackend  string   `mapstructure:"StorageBackend"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// WorkerConfig 决定离线代理面向哪个源站、使用哪一代缓存以及离线兜底内容。
type WorkerConfig struct {
	Origin              string   `mapstructure:"Origin"`
	Proxy               string   `mapstructure:"Proxy"`
	CacheName           string   `mapstructure:"CacheName"`
	Manifest            []string `mapstructure:"Manifest"`
	OfflinePage         string   `mapstructure:"OfflinePage"`
	FetchTimeout        Duration `mapstructure:"FetchTimeout"`
	MutationTimeout     Duration `mapstructure:"MutationTimeout"`
	MutationErrorStatus int      `mapstructure:"MutationErrorStatus"`
	OfflineJSONMessage  string   `mapstructure:"OfflineJSONMessage"`
	OfflineTextMessage  string   `mapstructure:"OfflineTextMessage"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// DefaultManifest 是未配置 Manifest 时预加载的资源列表。
func DefaultManifest() []string {
	return []string{"/", "/index.html", "/manifest.json", "/icon.png"}
}
