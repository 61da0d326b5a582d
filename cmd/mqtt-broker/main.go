package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/life-stream-dev/life-stream-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-broker/internal/config"
	"github.com/life-stream-dev/life-stream-broker/internal/database"
	"github.com/life-stream-dev/life-stream-broker/internal/event"
	"github.com/life-stream-dev/life-stream-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-broker/internal/server"
	"github.com/life-stream-dev/life-stream-broker/internal/utils"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	loggerCallback := logger.Init(logger.Options{
		Debug:         cfg.DebugMode,
		Directory:     cfg.Log.Directory,
		RetentionDays: cfg.Log.RetentionDays,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = loggerCallback.Invoke(ctx)
	}()
	logger.Debug("Application initializing...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleaner := event.NewCleaner(event.DefaultTimeout)
	collector := metrics.NewCollector()

	authenticator := auth.AllowAll
	var db *database.Client
	if cfg.Database.Enabled {
		db, err = database.ConnectDatabase(ctx, cfg)
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		authenticator = auth.NewCache(
			db.Credentials(cfg),
			cfg.Auth.CacheSize,
			utils.ParseStringTimeOr(cfg.Auth.CacheTTL, 5*time.Minute),
		)
	} else {
		logger.WarnF("Database disabled, every client will be accepted without credentials")
	}

	b := broker.New(broker.Options{
		LegacyClientIDMaxLength: cfg.Broker.LegacyClientIDMaxLength,
		Gate:                    auth.NewGate(authenticator),
		Observer:                collector,
		DispatchObserver:        collector,
	})
	collector.RegisterGauge("subscriptions", "The number of active subscriptions.", func() float64 {
		return float64(b.Index().Count())
	})
	collector.RegisterGauge("sessions_offline", "The number of stored sessions without a live connection.", func() float64 {
		return float64(len(b.Sessions().Offline()))
	})
	collector.RegisterGauge("retained_messages", "The number of retained messages.", func() float64 {
		return float64(b.Retained().Len())
	})
	collector.RegisterGauge("dispatcher_pending", "The number of work items waiting in the dispatcher.", func() float64 {
		return float64(b.Dispatcher().Pending())
	})
	b.Start()

	mqttServer := server.NewServer(b, cfg.MaxConnections)

	// 关闭顺序：停止接受连接 -> 排空调度器并关闭连接 -> 指标服务 -> 数据库
	cleaner.Add(mqttServer)
	cleaner.Add(b)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return mqttServer.ListenAndServe(cfg.Listen)
	})

	if cfg.MetricsListen != "" {
		metricsServer := metrics.NewServer(cfg.MetricsListen, collector)
		cleaner.Add(metricsServer)
		group.Go(metricsServer.ListenAndServe)
	}
	if db != nil {
		cleaner.Add(db)
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Received interrupt signal, shutting down")
		return cleaner.Clean(context.Background())
	})

	if err := group.Wait(); err != nil {
		logger.ErrorF("Server stopped with error: %v", err)
	}
	logger.Info("Cleanup finished, server offline")
}
