package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/orizon-lang/fabricmem/internal/pager/config"
	"github.com/orizon-lang/fabricmem/internal/pager/node"
)

func main() {
	var (
		configPath  string
		metricsAddr string
	)
	flag.StringVar(&configPath, "config", "fabricmem-node.json", "path to node configuration file")
	flag.StringVar(&metricsAddr, "metrics-addr", ":0", "address to serve /metrics on (empty disables)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Reloadable.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	watcher, err := config.NewWatcher(configPath, cfg, logger)
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		logger.Fatal("assemble node", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		logger.Fatal("start node", zap.Error(err))
	}
	logger.Info("fabricmem node started",
		zap.Uint32("node_id", cfg.NodeID),
		zap.Uint32("total_nodes", cfg.TotalNodes),
		zap.String("transport_tier", cfg.TransportTier))

	if metricsAddr != "" {
		bound, err := n.StartMetrics(metricsAddr)
		if err != nil {
			logger.Warn("metrics server not started", zap.Error(err))
		} else {
			logger.Info("metrics exposition listening", zap.String("addr", bound))
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		var lvl zap.AtomicLevel
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			cfg.Level = lvl
		}
	}
	return cfg.Build()
}
