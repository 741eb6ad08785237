// agentcanvas 是工作流执行引擎的服务与命令行入口。
//
//	agentcanvas serve --config config.yaml             # 启动 HTTP 服务
//	agentcanvas run workflow.json --var topic=cats     # 在终端中运行一次工作流
//	agentcanvas validate workflow.yaml                 # 校验工作流定义
//	agentcanvas health --ready                         # 探测运行中的服务
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentcanvas/config"
	"github.com/BaSui01/agentcanvas/internal/telemetry"
)

// 构建时通过 -ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK          = 0
	exitError       = 1
	exitInvalid     = 2
	exitInterrupted = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(exitError)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "run":
		os.Exit(runWorkflow(os.Args[2:], os.Stdin, os.Stdout, os.Stderr))
	case "validate":
		os.Exit(runValidate(os.Args[2:], os.Stdout, os.Stderr))
	case "version":
		printVersion(os.Stdout)
	case "health":
		os.Exit(runHealthCheck(os.Args[2:], os.Stdout, os.Stderr))
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(exitError)
	}
}

// loadConfig 加载并校验配置
func loadConfig(path string) (*config.Config, error) {
	return config.NewLoader().
		WithConfigPath(path).
		WithValidator((*config.Config).Validate).
		Load()
}

func runServe(args []string) int {
	fs := newFlagSet("serve")
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log config: %v\n", err)
		return exitError
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting AgentCanvas",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("module_version", telemetry.Version()),
	)

	ctx, stop := signalContext()
	defer stop()

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	srv := NewServer(cfg, logger, otelProviders)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Failed to start server", zap.Error(err))
		srv.Shutdown()
		return exitError
	}

	runErr := srv.Wait(ctx)
	srv.Shutdown()
	if runErr != nil {
		logger.Error("Server stopped with error", zap.Error(runErr))
		return exitError
	}

	logger.Info("AgentCanvas stopped")
	return exitOK
}

// runHealthCheck 供容器探针调用，非 200 即失败
func runHealthCheck(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("health")
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check readiness (dependencies) instead of liveness")
	if err := fs.Parse(args); err != nil {
		return exitInvalid
	}

	path := "/health"
	if *ready {
		path = "/ready"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + path)
	if err != nil {
		fmt.Fprintf(stderr, "%s unreachable: %v\n", path, err)
		return exitError
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "%s answered %s\n", path, resp.Status)
		return exitError
	}

	fmt.Fprintln(stdout, "OK")
	return exitOK
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "AgentCanvas %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `AgentCanvas - visual LLM workflow engine

Usage:
  agentcanvas <command> [options]

Commands:
  serve     Start the AgentCanvas server
  run       Run a workflow file once in the terminal
  validate  Validate a workflow file
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'run':
  --config <path>   Path to configuration file (YAML)
  --var name=value  Override a global variable (repeatable)
  --no-prompt       Do not ask for ask-before-run variables
  --json            Print the run record as JSON
  --node <id>       Execute a single node instead of the whole workflow
  --chain           With --node, continue into the node's successors

Examples:
  agentcanvas serve --config /etc/agentcanvas/config.yaml
  agentcanvas run blog.yaml --var topic="solar power"
  agentcanvas validate blog.yaml
  agentcanvas health --addr http://localhost:8080 --ready`)
}

// newLogger 按 LogConfig 构建服务日志：json 输出用 ISO8601 时间，console 输出带颜色
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.Development = true
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace

	return zc.Build(zap.Fields(zap.String("service", "agentcanvas")))
}
