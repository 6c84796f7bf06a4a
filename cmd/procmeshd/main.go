package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"procmesh/admin"
	"procmesh/config"
	"procmesh/gateway"
	"procmesh/kvstore"
	"procmesh/logging"
	"procmesh/metric"
	"procmesh/registry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{Verbose: cfg.Verbose, Path: cfg.LogPath})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := metric.NewRegistry()
	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(metric.New(promReg)),
		gateway.WithKillHook(stop),
	}

	if cfg.DatabasePath != "" {
		store, err := kvstore.Open(cfg.DatabasePath, cfg.DatabaseNames)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer store.Close()
		opts = append(opts, gateway.WithStore(store))
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		pub, err := registry.NewEtcdPublisher(cfg.Etcd.Endpoints, logger.Named("etcd"))
		if err != nil {
			logger.Fatal("failed to connect to etcd", zap.Error(err))
		}
		defer pub.Close()
		opts = append(opts, gateway.WithPublisher(pub))
	}

	gw := gateway.New(cfg, opts...)
	if err := gw.DefineServices(); err != nil {
		logger.Fatal("invalid service declaration", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		srv := admin.New(gw.Registry(), promReg, logger)
		go func() {
			if err := srv.Start(cfg.MetricsAddr); err != nil {
				logger.Error("admin server stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	if err := gw.Start(ctx); err != nil {
		logger.Error("gateway failed to start", zap.Error(err))
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		gw.Shutdown(sctx)
		cancel()
		logger.Sync()
		os.Exit(1)
	}
	if cfg.Mode == config.ModeClient {
		return
	}

	<-ctx.Done()
	logger.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(sctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
