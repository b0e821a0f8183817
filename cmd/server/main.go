package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filecenter/internal/api"
	"filecenter/internal/config"
	"filecenter/internal/database"
	"filecenter/internal/logging"
	"filecenter/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("配置加载完成，开始启动服务",
		"store", cfg.StoreDriver,
		"chunks", cfg.ChunkDriver,
		"hash", cfg.HashAlgorithm,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, closeStores, err := database.OpenStores(ctx, cfg)
	if err != nil {
		logger.Error("打开存储失败", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	center, err := service.New(ctx, stores, service.Options{
		InitialFileSizeThreshold: cfg.FileSizeThreshold,
		Hasher:                   cfg.Hasher(),
		Logger:                   logger,
		GCGracePeriod:            cfg.GCGracePeriod,
	})
	if err != nil {
		logger.Error("初始化文件中心失败", "error", err)
		closeStores()
		os.Exit(1)
	}

	// 配置中的阈值与存储中已有的值不同时，以配置为准。
	if cfg.FileSizeThreshold > 0 && cfg.FileSizeThreshold != center.FileSizeThreshold() {
		if err := center.SetFileSizeThreshold(ctx, cfg.FileSizeThreshold); err != nil {
			logger.Error("更新阈值失败", "error", err)
			closeStores()
			os.Exit(1)
		}
	}

	reaper := service.NewReaper(center, cfg.ReaperInterval, cfg.GCInterval, logger)
	reaper.Start(ctx)

	router := api.NewRouter(cfg,
		api.NewFileHandler(center, cfg.MaxUploadSize, logger),
		api.NewAdminHandler(center, logger),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           router,
	}

	logger.Info("服务监听端口", "addr", srv.Addr, "threshold", center.FileSizeThreshold())

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error("监听失败", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("优雅关闭失败", "error", err)
	}
	reaper.Stop()

	logger.Info("服务已停止")
}
