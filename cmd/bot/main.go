package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/betbot/survivor/internal/bot"
	"github.com/betbot/survivor/pkg/config"
	"github.com/betbot/survivor/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）；为空时只用默认值和环境变量")
	dashboardFlag := flag.Bool("dashboard", false, "启用终端面板（日志只写文件）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if *dashboardFlag {
		cfg.Dashboard = true
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
		NoStdout:   cfg.Dashboard,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logrus.Infof("使用配置: env=%s bankroll=$%.2f storage=%s", cfg.Environment, cfg.InitialBankroll, cfg.Storage.Backend)

	b, err := bot.New(cfg)
	if err != nil {
		logrus.Errorf("初始化失败: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		logrus.Errorf("退出异常: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}
}
