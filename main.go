package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/any-hub/offline-agent/internal/config"
	"github.com/any-hub/offline-agent/internal/logging"
	"github.com/any-hub/offline-agent/internal/version"
)

const (
	envConfigPath     = "OFFLINE_AGENT_CONFIG"
	defaultConfigPath = "config.toml"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	printConfig bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 执行 CLI 流程并返回退出码：配置 → 日志 → 存储/宿主/代理 → Fiber server。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if field, ok := config.IsFieldError(err); ok {
			fmt.Fprintf(stdErr, "配置校验失败 (%s): %v\n", field, err)
		} else {
			fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		}
		return 1
	}

	if opts.printConfig {
		return printEffectiveConfig(cfg)
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Worker.Origin
	fields["generation"] = cfg.Worker.CacheName
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["manifest"] = len(cfg.Worker.Manifest)

	if opts.checkOnly {
		fields["action"] = "check_config"
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_check_passed")
		return 0
	}

	agent, err := newAgent(cfg, opts.configPath, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化代理失败: %v\n", err)
		return 1
	}

	fields["listen_port"] = cfg.Global.ListenPort
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	if err := agent.serve(); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// printEffectiveConfig 以 JSON 输出默认值与环境变量叠加后的最终配置。
func printEffectiveConfig(cfg *config.Config) int {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		fmt.Fprintf(stdErr, "输出配置失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数；配置路径优先级为 --config > OFFLINE_AGENT_CONFIG > ./config.toml。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-agent", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts cliOptions
	fs.StringVar(&opts.configPath, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_AGENT_CONFIG 覆盖）")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.printConfig, "print-config", false, "输出生效配置（JSON）后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	if opts.configPath == "" {
		opts.configPath = os.Getenv(envConfigPath)
	}
	if opts.configPath == "" {
		opts.configPath = defaultConfigPath
	}
	return opts, nil
}
