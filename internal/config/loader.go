package config

import (
	"fmt"
	"net/http"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultCacheName          = "app-v4"
	defaultOfflinePage        = "/index.html"
	defaultOfflineJSONMessage = "You are offline."
	defaultOfflineTextMessage = "Offline or resource unavailable."
	defaultStorageBackend     = "fs"

	// envPrefix 使 OFFLINE_AGENT_<KEY> 覆盖文件配置，Worker 段写作 OFFLINE_AGENT_WORKER_<KEY>。
	envPrefix = "OFFLINE_AGENT"
)

// Load 读取 TOML 配置文件，叠加 OFFLINE_AGENT_* 环境变量，注入默认值并做语义校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", defaultStorageBackend)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Worker.Origin", "")
	v.SetDefault("Worker.Proxy", "")
	v.SetDefault("Worker.CacheName", defaultCacheName)
	v.SetDefault("Worker.Manifest", DefaultManifest())
	v.SetDefault("Worker.OfflinePage", defaultOfflinePage)
	v.SetDefault("Worker.FetchTimeout", "3s")
	v.SetDefault("Worker.MutationTimeout", "5s")
	v.SetDefault("Worker.MutationErrorStatus", http.StatusServiceUnavailable)
	v.SetDefault("Worker.OfflineJSONMessage", defaultOfflineJSONMessage)
	v.SetDefault("Worker.OfflineTextMessage", defaultOfflineTextMessage)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = defaultStorageBackend
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyWorkerDefaults(w *WorkerConfig) {
	w.Origin = strings.TrimRight(strings.TrimSpace(w.Origin), "/")
	w.CacheName = strings.TrimSpace(w.CacheName)
	if w.CacheName == "" {
		w.CacheName = defaultCacheName
	}
	if len(w.Manifest) == 0 {
		w.Manifest = DefaultManifest()
	}
	if w.OfflinePage == "" {
		w.OfflinePage = defaultOfflinePage
	}
	if w.FetchTimeout.DurationValue() == 0 {
		w.FetchTimeout = Duration(3 * time.Second)
	}
	if w.MutationTimeout.DurationValue() == 0 {
		w.MutationTimeout = Duration(5 * time.Second)
	}
	if w.MutationErrorStatus == 0 {
		w.MutationErrorStatus = http.StatusServiceUnavailable
	}
	if w.OfflineJSONMessage == "" {
		w.OfflineJSONMessage = defaultOfflineJSONMessage
	}
	if w.OfflineTextMessage == "" {
		w.OfflineTextMessage = defaultOfflineTextMessage
	}
}

// durationDecodeHook 把字符串或数字秒值解码为 Duration，其余类型原样交给后续 hook。
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return parseDuration(v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(v * float64(time.Second)), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
