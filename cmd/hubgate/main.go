package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectorhub/internal/admin/router"
	"connectorhub/internal/bridge"
	"connectorhub/internal/hub"
	"connectorhub/internal/pkg"
	"connectorhub/internal/sink"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// syncLog 安全地同步日志，忽略与标准输出相关的错误
func syncLog(log *zap.Logger) {
	// Windows平台上，同步标准输出时会出现"The handle is invalid"错误
	err := log.Sync()
	if err != nil && !strings.Contains(err.Error(), "The handle is invalid") {
		log.Error("程序退出时同步日志失败", zap.Error(err))
	}
}

func main() {
	configDir := flag.String("config", "yaml", "配置目录，目录下所有 yaml 文件会被合并")
	flag.Parse()

	// 1. 初始化common yaml
	config, err := pkg.InitCommon(*configDir)
	if err != nil {
		fmt.Printf("[main] 加载配置失败: %s\n", err)
		os.Exit(1)
	}
	// 配置错误时拒绝启动
	if err := config.Validate(); err != nil {
		fmt.Printf("[main] %s\n", err)
		os.Exit(1)
	}

	// 2. 初始化log
	log := pkg.NewLogger(&config.Log)
	log.Info("程序启动", zap.String("version", config.Version))
	log.Info("==== 初始化流程开始 ====")

	// 3. 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 10)
	ctx = pkg.WithErrChan(ctx, errChan)
	ctx = pkg.WithConfig(ctx, config)
	ctx = pkg.WithLogger(ctx, log)

	// 4. 输出、服务与 bridge
	sinks, err := sink.New(pkg.WithLoggerAndModule(ctx, log, "sink"))
	if err != nil {
		log.Error("初始化输出失败", zap.Error(err))
		cancel()
		syncLog(log)
		os.Exit(1)
	}
	svc := hub.NewService(pkg.WithLoggerAndModule(ctx, log, "hub"))
	b := bridge.New(pkg.WithLoggerAndModule(ctx, log, "bridge"), svc, sinks)
	sinks.SetCommandHandler(b.HandleCommand)
	svc.SetListener(b)

	printStartupLogo()
	if config.MulticastMode() {
		log.Info("未配置集线器地址，使用组播发现", zap.String("group", config.Hub.MulticastIP))
	}
	go svc.Discover(ctx, nil)

	if config.Admin.Enable {
		gin.SetMode(gin.ReleaseMode)
		engine := router.SetupRouter(router.Deps{
			Service:  svc,
			Command:  b.HandleCommand,
			Gatherer: pkg.GetHubMetrics().Registry,
			CacheTTL: config.Admin.CacheTTL,
		})
		go func() {
			if err := router.Serve(pkg.WithLoggerAndModule(ctx, log, "admin"), config.Admin.Addr, engine); err != nil {
				pkg.ReportErr(ctx, err)
			}
		}()
	}

	shutdown := func(code int) {
		cancel()
		b.Close()
		if err := sinks.Close(); err != nil {
			log.Warn("关闭输出失败", zap.Error(err))
		}
		time.Sleep(200 * time.Millisecond)
		syncLog(log)
		os.Exit(code)
	}

	// 5. 主线程监听终止信号
	si := make(chan os.Signal, 1)
	signal.Notify(si, os.Interrupt, syscall.SIGTERM)
	select {
	case <-si:
		log.Info("收到退出信号，正在退出 ...")
		shutdown(0)
	case bad := <-errChan:
		log.Error("Error occurred", zap.Error(bad))
		shutdown(1)
	}
}

func printStartupLogo() {
	fmt.Print(`
   ___ ___  _ __  _ __   ___  ___| |_ ___  _ __| |__  _   _| |__
  / __/ _ \| '_ \| '_ \ / _ \/ __| __/ _ \| '__| '_ \| | | | '_ \
 | (_| (_) | | | | | | |  __/ (__| || (_) | |  | | | | |_| | |_) |
  \___\___/|_| |_|_| |_|\___|\___|\__\___/|_|  |_| |_|\__,_|_.__/

`)
}
