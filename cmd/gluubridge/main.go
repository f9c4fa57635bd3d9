package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/crowd"
	"github.com/dotsandlines/gluubridge/pkg/idp"
	"github.com/dotsandlines/gluubridge/pkg/lifecycle"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/scim"
	"github.com/dotsandlines/gluubridge/pkg/session"
	"github.com/dotsandlines/gluubridge/pkg/store"
	"github.com/dotsandlines/gluubridge/pkg/web"
)

func main() {
	startupLog := logrus.New()
	startupLog.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig()
	if err != nil {
		startupLog.WithError(err).Fatal("failed to load configuration")
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
	if err != nil {
		startupLog.WithError(err).Fatal("failed to open postgres connection")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		startupLog.WithError(err).Fatal("postgres unreachable")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.RedisAddr,
		Password: cfg.Storage.RedisPassword,
		DB:       cfg.Storage.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		startupLog.WithError(err).Fatal("redis unreachable")
	}

	tokenStore := store.NewTokenStore(redisClient, db, logger, metrics, cfg.Session.CacheTTL)
	if err := tokenStore.EnsureSchema(ctx); err != nil {
		startupLog.WithError(err).Fatal("failed to ensure token schema")
	}

	provider, err := idp.NewClient(ctx, cfg.Gluu, logger)
	if err != nil {
		startupLog.WithError(err).Fatal("failed to create identity provider client")
	}

	locks := store.NewSessionLock(redisClient, cfg.Session.LockTimeout)
	manager := lifecycle.NewManager(tokenStore, locks, provider, logger, metrics)
	hooks := session.NewHooks(tokenStore, manager, cfg.Session, logger)
	users := scim.NewClient(cfg.Gluu, manager, logger)

	var crowdClient *crowd.Client
	if cfg.Crowd.BaseURL != "" {
		crowdClient = crowd.NewClient(cfg.Crowd, logger)
	}

	server := web.NewServer(manager, hooks, users, crowdClient, db, redisClient, cfg.Session, logger, metrics)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// nightly cleanup of expired durable rows
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() {
		removed, err := tokenStore.CleanupExpired(context.Background(), time.Now())
		if err != nil {
			logger.WithError(err).Error("expired token cleanup failed")
			return
		}
		logger.WithField("removed", removed).Info("expired token cleanup finished")
	}); err != nil {
		startupLog.WithError(err).Fatal("failed to schedule token cleanup")
	}
	scheduler.Start()
	defer scheduler.Stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		startupLog.WithField("addr", httpServer.Addr).Info("starting gluubridge server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		startupLog.WithError(err).Fatal("server exited with error")
	}
	startupLog.Info("server stopped")
}
