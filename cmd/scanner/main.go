package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"rapidproxyscan/internal/app"
	"rapidproxyscan/internal/shared/config"
	"rapidproxyscan/internal/shared/logger"
	"rapidproxyscan/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	cfg := types.Default()
	overrides := registerFlags(flag.CommandLine)
	flag.Parse()

	iniPath := filepath.Join(*configDir, "rapidproxyscan.ini")

	// 1. 加载 .ini 配置与环境变量覆盖，命令行参数优先级最高
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	overrides.apply(flag.CommandLine, cfg)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行扫描器
	appServer, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create scanner")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := appServer.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Scanner exited with error")
		stop()
		os.Exit(1)
	}
}
