package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"onepass/config"
	"onepass/internal/batch"
	"onepass/internal/dedup"
	"onepass/internal/discovery"
	"onepass/internal/ledger"
	"onepass/internal/server"
	"onepass/internal/upstream"
	"onepass/pkg/cache"
	"onepass/pkg/logger"
)

var Cfg config.ApiConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Initialize logger
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if err := config.Load("config.yaml", &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Redis is only needed when the dedup store is shared across instances
	if strings.EqualFold(Cfg.Dedup.Backend, "redis") {
		var redisCfg cache.Config
		if err := copier.Copy(&redisCfg, &Cfg.Redis); err != nil {
			return fmt.Errorf("failed to copy cache config: %w", err)
		}
		if err := cache.Init(redisCfg); err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer cache.Close()
	}

	var dedupCfg dedup.Config
	if err := copier.Copy(&dedupCfg, &Cfg.Dedup); err != nil {
		return fmt.Errorf("failed to copy dedup config: %w", err)
	}
	ids, err := dedup.New(dedupCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dedup store: %w", err)
	}

	client := upstream.NewClient(upstream.Config{
		GetPayURL:         Cfg.Urls.GetPay,
		InitFundsURL:      Cfg.Urls.InitFunds,
		BatchPayFinishURL: Cfg.Urls.BatchPayFinish,
	}, nil)

	engine := discovery.NewEngine(client, discovery.Options{
		RequestTimeout: time.Duration(Cfg.Server.RequestTimeout) * time.Millisecond,
	})

	svc := batch.NewService(ids, ledger.New(), engine, client, batch.Options{})
	app := server.NewRouter(server.NewHandler(svc))

	addr := fmt.Sprintf("%s:%d", Cfg.Server.Addr, Cfg.Server.Port)
	logger.Info("Server starting", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	// Stop accepting requests. In-flight batches are abandoned; the ledger
	// is process-lifetime only.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	logger.Info("Server shut down")
	return nil
}
