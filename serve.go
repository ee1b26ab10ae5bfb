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

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ericbjones/clean-invaders/api"
	"github.com/ericbjones/clean-invaders/hub"
	"github.com/ericbjones/clean-invaders/storage"
)

const shutdownTimeout = 10 * time.Second

// serve loads the catalog, reconciles the store and runs the HTTP server
// until the process is signalled. Catalog and store failures abort startup
// before anything listens.
func serve(ctx context.Context, cfg config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.StandardLogger()

	loader := cfg.loader()
	cat, err := loader.Load()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	if err := store.Reconcile(ctx, cat.Keys()); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.WithFields(log.Fields{"floors": len(cat.Floors()), "tasks": len(cat.Keys()), "db": cfg.DBPath}).Info("catalog reconciled")

	var (
		backend api.Storage = store
		rc      *redis.Client
		relay   *hub.Relay
	)
	live := hub.New(logger)
	defer live.Close()

	if cfg.RedisURL != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisURL))
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable; cache and relay will retry on use")
		}
		backend = storage.NewCache(store, rc, cachePrefix, cfg.CacheTTL)
		relay = hub.NewRelay(live, rc, cfg.RelayChannel, logger)
		relayCtx, stopRelay := context.WithCancel(ctx)
		defer stopRelay()
		go relay.Run(relayCtx)
		logger.WithField("instance", relay.InstanceID()).Info("live relay enabled")
	}

	deps := api.Deps{
		Store:     backend,
		Catalogs:  loader,
		Hub:       live,
		StaticDir: cfg.StaticDir,
		Log:       logger,
	}
	if relay != nil {
		deps.Relay = relay
	}
	if cfg.BroadcastCmds {
		var pub hub.Publisher
		if relay != nil {
			pub = relay
		}
		notifier := hub.NewNotifier(live, pub, logger, cfg.Notify)
		defer notifier.Close()
		deps.Notifier = notifier
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	api.Register(e, deps)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("listening")
		errCh <- e.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
