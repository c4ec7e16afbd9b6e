// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in the internal packages.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"optin/internal/notify"
	"optin/internal/platform/config"
	"optin/internal/platform/httpserver"
	"optin/internal/platform/logger"
	"optin/internal/platform/metrics"
	platformredis "optin/internal/platform/redis"
	"optin/internal/subscriber/handler"
	"optin/internal/subscriber/scrub"
	"optin/internal/subscriber/service"
	"optin/internal/subscriber/store"
	"optin/internal/subscriber/token"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	codec := token.NewCodec(cfg.TokenSecret)

	var notifier notify.Notifier
	if cfg.SMTPAddr != "" {
		notifier = notify.NewSMTPNotifier(notify.SMTPConfig{
			Addr:           cfg.SMTPAddr,
			Host:           cfg.SMTPHost,
			Username:       cfg.SMTPUsername,
			Password:       cfg.SMTPPassword,
			From:           cfg.SMTPFrom,
			ConfirmBaseURL: cfg.ConfirmBaseURL,
		})
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	svc := service.New(st, codec, notifier, log, cfg.Sites, service.WithMetrics(m))
	job := scrub.NewJob(st, log, cfg.ExpiryWindow,
		scrub.WithMetrics(m), scrub.WithPageSize(cfg.ScrubPageSize))
	scheduler := scrub.NewScheduler(job, log, cfg.ScrubInterval)

	h := handler.New(svc, log, m)
	srv := httpserver.New(cfg.Addr, h.Router())

	log.Info("starting subscription service",
		"addr", cfg.Addr,
		"store", cfg.StoreBackend,
		"expiry_window", cfg.ExpiryWindow,
		"scrub_interval", cfg.ScrubInterval,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scrub scheduler: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func buildStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		st := store.NewPostgres(db)
		if err := st.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, func() { db.Close() }, nil
	case "redis":
		client, err := platformredis.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedis(client.Client), func() { client.Close() }, nil
	default:
		return store.NewInMemoryStore(), func() {}, nil
	}
}
