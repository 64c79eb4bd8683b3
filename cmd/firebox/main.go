// =============================================================================
// FireBox 主入口
// =============================================================================
// 本地 AI 中介后台服务入口点，包含调试监听端点与健康检查
//
// 使用方法:
//
//	firebox serve                         # 启动服务
//	firebox serve --config fire-box.yaml  # 指定配置文件
//	firebox version                       # 显示版本信息
//	firebox health                        # 调试监听端点健康检查
//	firebox providers                     # 列出已配置的 Provider
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/firebox"
	"github.com/BaSui01/firebox/config"
	"github.com/BaSui01/firebox/internal/server"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "providers":
		runListProviders(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 验证配置
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting FireBox",
		zap.String("version", firebox.Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	// 组装服务：存储/密钥 → 遗留迁移 → 路由 → 指标 → 目录
	svc, err := firebox.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize service", zap.Error(err))
	}
	logger.Info("service ready", zap.String("store", svc.StorePath()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// 可选的本地调试监听端点
	var debug *server.Manager
	if cfg.Debug.Enabled {
		handler := server.NewDebugHandler(svc.Usage(), svc.PromCollector(), firebox.Version, logger)
		debug = server.NewManager(handler, server.Config{
			Addr:            cfg.Debug.Addr,
			ReadTimeout:     cfg.Debug.ReadTimeout,
			WriteTimeout:    cfg.Debug.WriteTimeout,
			ShutdownTimeout: cfg.Debug.ShutdownTimeout,
		}, logger)

		if err := debug.Start(); err != nil {
			logger.Fatal("Failed to start debug listener", zap.Error(err))
		}

		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case err := <-debug.Errors():
				return err
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("service exited with error", zap.Error(err))
	}

	if debug != nil {
		if err := debug.Shutdown(context.Background()); err != nil {
			logger.Error("debug listener shutdown failed", zap.Error(err))
		}
	}

	logger.Info("FireBox stopped")
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:9090", "Debug listener address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📇 providers 命令
// =============================================================================

func runListProviders(args []string) {
	fs := flag.NewFlagSet("providers", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	svc, err := firebox.New(cfg, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}

	infos, err := svc.ListProviders()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list providers: %v\n", err)
		os.Exit(1)
	}
	if len(infos) == 0 {
		fmt.Println("No providers configured")
		return
	}
	for _, info := range infos {
		fmt.Printf("%-16s %-12s %s\n", info.ID, info.Type, info.DisplayName)
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("FireBox %s\n", firebox.Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`FireBox - local AI mediation service

Usage:
  firebox <command> [options]

Commands:
  serve      Start the FireBox background service
  providers  List configured provider profiles
  version    Show version information
  health     Check the debug listener health
  help       Show this help message

Options for 'serve' and 'providers':
  --config <path>   Path to configuration file (YAML)

Examples:
  firebox serve
  firebox serve --config ~/.config/fire-box/fire-box.yaml
  firebox providers
  firebox health --addr http://127.0.0.1:9090
  firebox version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 构建配置
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         cfg.Format,
		EncoderConfig:    encoderConfig,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	opts := []zap.Option{}
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// 构建 logger
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
