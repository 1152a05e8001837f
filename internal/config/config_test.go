package config

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.StorageBackend != "sqlite" {
		t.Fatalf("StorageBackend 解析错误: %s", cfg.Global.StorageBackend)
	}
	if cfg.Global.InitialBackoff.DurationValue() != 500*time.Millisecond {
		t.Fatalf("InitialBackoff 解析错误: %v", cfg.Global.InitialBackoff.DurationValue())
	}
	if cfg.Worker.Origin != "https://app.example.com" {
		t.Fatalf("Origin 末尾斜杠应被去除: %s", cfg.Worker.Origin)
	}
	if cfg.Worker.FetchTimeout.DurationValue() != 3*time.Second {
		t.Fatalf("纯数字 FetchTimeout 应按秒解析")
	}
	if cfg.Worker.MutationTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("MutationTimeout 应自动填充默认值")
	}
	if len(cfg.Worker.Manifest) != 4 || cfg.Worker.OfflinePage != "/index.html" {
		t.Fatalf("Manifest/OfflinePage 默认值错误: %v %s", cfg.Worker.Manifest, cfg.Worker.OfflinePage)
	}
	if cfg.Worker.MutationErrorStatus != http.StatusServiceUnavailable {
		t.Fatalf("MutationErrorStatus 默认应为 503")
	}
	if cfg.Worker.OfflineJSONMessage != "You are offline." || cfg.Worker.OfflineTextMessage != "Offline or resource unavailable." {
		t.Fatalf("离线提示默认值错误")
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateOfflinePageMustBeInManifest(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.OfflinePage = "/offline.html"
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Worker.OfflinePage" {
		t.Fatalf("OfflinePage 不在 Manifest 中应报错, got %v", err)
	}
}

func TestValidateWorkerFields(t *testing.T) {
	testCases := []struct {
		name   string
		field  string
		mutate func(cfg *Config)
	}{
		{"origin with path", "Worker.Origin", func(cfg *Config) { cfg.Worker.Origin = "https://app.local/sub" }},
		{"origin ftp", "Worker.Origin", func(cfg *Config) { cfg.Worker.Origin = "ftp://app.local" }},
		{"bad proxy", "Worker.Proxy", func(cfg *Config) { cfg.Worker.Proxy = "socks://proxy" }},
		{"cache name with slash", "Worker.CacheName", func(cfg *Config) { cfg.Worker.CacheName = "app/v4" }},
		{"relative manifest", "Worker.Manifest", func(cfg *Config) { cfg.Worker.Manifest = []string{"index.html"} }},
		{"zero fetch timeout", "Worker.FetchTimeout", func(cfg *Config) { cfg.Worker.FetchTimeout = 0 }},
		{"bad status", "Worker.MutationErrorStatus", func(cfg *Config) { cfg.Worker.MutationErrorStatus = 99 }},
		{"unknown backend", "Global.StorageBackend", func(cfg *Config) { cfg.Global.StorageBackend = "redis" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			field, ok := IsFieldError(cfg.Validate())
			if !ok || field != tc.field {
				t.Fatalf("expected error on %s, got %q (ok=%v)", tc.field, field, ok)
			}
		})
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("合法配置不应报错: %v", err)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			StorageBackend:  "fs",
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Worker: WorkerConfig{
			Origin:              "https://app.local",
			CacheName:           "app-v4",
			Manifest:            DefaultManifest(),
			OfflinePage:         "/index.html",
			FetchTimeout:        Duration(3 * time.Second),
			MutationTimeout:     Duration(5 * time.Second),
			MutationErrorStatus: http.StatusServiceUnavailable,
		},
	}
}
