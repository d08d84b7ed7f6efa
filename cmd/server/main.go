package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/caresync-rtc/internal/api"
	"github.com/npezzotti/caresync-rtc/internal/chat"
	"github.com/npezzotti/caresync-rtc/internal/config"
	"github.com/npezzotti/caresync-rtc/internal/database"
	"github.com/npezzotti/caresync-rtc/internal/relay"
	"github.com/npezzotti/caresync-rtc/internal/server"
	"github.com/npezzotti/caresync-rtc/internal/signaling"
	"github.com/npezzotti/caresync-rtc/internal/stats"
	"go.uber.org/zap"
)

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, cfg *config.Config) (database.MessageStore, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return database.NewPgMessageStore(cfg.DatabaseDSN)
	case config.StoreMongo:
		return database.NewMongoStore(ctx, database.MongoConnection{
			URI:           cfg.MongoURI,
			Database:      cfg.MongoDatabase,
			RetryCount:    5,
			RetryInterval: 2 * time.Second,
		})
	case config.StoreMemory:
		return database.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func main() {
	params, err := config.Load(os.Args[0], os.Args[1:], ".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	cfg, err := config.NewConfig(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 30*time.Second)
	store, err := openStore(openCtx, cfg)
	cancelOpen()
	if err != nil {
		logger.Fatal("open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	dir := server.NewDirectory(logger)

	if cfg.RedisAddr != "" {
		rr, err := relay.NewRedisRelay(logger, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			logger.Fatal("redis relay", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer rr.Close()

		if err := dir.UseRelay(ctx, rr); err != nil {
			logger.Fatal("start relay", zap.Error(err))
		}
	}

	chatSvc := chat.NewService(logger, store, dir, statsUpdater, cfg.NotifyRoles)
	calls := signaling.NewService(logger, dir, statsUpdater, signaling.Config{
		RingTimeout:     cfg.RingTimeout,
		DisconnectGrace: cfg.DisconnectGrace,
		Shared:          cfg.RedisAddr != "",
	})
	dir.OnRemote(calls.RemoteEvent)
	chatServer := server.NewChatServer(logger, dir, chatSvc, calls, statsUpdater)

	srv := api.NewApp(mux, logger, chatServer, chatSvc, store, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	logger.Info("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
	}

	logger.Info("shutdown complete")
}
