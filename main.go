package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"WebRTCTelemetryCollector/internal/analyzer"
	"WebRTCTelemetryCollector/internal/archive"
	"WebRTCTelemetryCollector/internal/config"
	"WebRTCTelemetryCollector/internal/httpserver"
	"WebRTCTelemetryCollector/internal/logger"
	"WebRTCTelemetryCollector/internal/replay"
	"WebRTCTelemetryCollector/internal/storage"
	"WebRTCTelemetryCollector/internal/telemetry"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, replay")
		configPath = flag.String("config", "", "配置文件路径(默认configs/collector.yaml)")
		replayFile = flag.String("file", "", "replay模式: 合并日志文件路径")
		replayURL  = flag.String("url", "http://localhost:8443", "replay模式: 采集服务地址")
		sessionID  = flag.String("session", "", "replay模式: 会话id(空则由采集端推导)")
		batchSize  = flag.Int("batch", 20, "replay模式: 每批条目数")
		batchDelay = flag.Duration("delay", time.Second, "replay模式: 批次间隔")
	)
	flag.Parse()

	switch *mode {
	case "server":
		runServer(*configPath)
	case "replay":
		runReplay(*replayURL, *replayFile, *sessionID, *batchSize, *batchDelay)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runServer 启动遥测采集服务
func runServer(configPath string) {
	logger.InitLogger()

	manager := config.NewConfigManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(true),
	)
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layout := storage.NewLayout(cfg.Storage.LogsRoot)

	// 可选的Postgres结果归档
	var resultArchive analyzer.Archiver
	if cfg.Archive.DSN != "" {
		ar, err := archive.Connect(ctx, cfg.Archive.DSN)
		if err != nil {
			log.Fatalf("❌ 归档连接失败: %v", err)
		}
		defer ar.Close()
		resultArchive = ar
	}

	runner := analyzer.NewRunner(cfg.Analyzer.PythonBin, cfg.Analyzer.ScriptPath, layout, resultArchive)

	store := telemetry.NewStore()
	store.StartReaper(ctx, cfg.Session.ReapInterval, cfg.Session.ReapGrace)

	collector := telemetry.NewCollector(store, layout, runner, cfg.Session.InactivityTimeout)

	server := httpserver.NewServer(cfg.Server, collector)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Printf("🚀 遥测采集服务已启动: %s (静默超时 %v)", cfg.Server.ListenAddr, cfg.Session.InactivityTimeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("收到信号 %v, 开始停机", sig)
	case err := <-errCh:
		log.Printf("服务器退出: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("停机出错: %v", err)
	}

	// 等在途分析进程跑完再退出
	runner.Wait()
	log.Printf("✅ 停机完成")
}

// runReplay 回放录制的合并日志
func runReplay(baseURL, file, sessionID string, batchSize int, batchDelay time.Duration) {
	logger.InitLogger()

	if file == "" {
		log.Fatalf("❌ replay模式需要 -file 参数")
	}

	cfg := replay.DefaultConfig(baseURL)
	cfg.SessionID = sessionID
	cfg.BatchSize = batchSize
	cfg.BatchDelay = batchDelay

	client := replay.New(cfg)
	sent, err := client.Run(context.Background(), file)
	if err != nil {
		log.Fatalf("❌ 回放失败(已提交 %d 批): %v", sent, err)
	}
	log.Printf("✅ 回放完成: %d 批", sent)
}
