package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/john-naputi/magiclink"
	"github.com/john-naputi/magiclink/httpapi"
	"github.com/john-naputi/magiclink/memstore"
	"github.com/john-naputi/magiclink/mongostore"
	"github.com/john-naputi/magiclink/redislimit"
	"github.com/john-naputi/magiclink/sqlitestore"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// App wires config, storage, rate limiting and the core service.
type App struct {
	Cfg     Config
	Log     *zap.Logger
	Service *magiclink.Service

	closers []func() error
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// newApp builds a fully-wired application instance.
func newApp(ctx context.Context, cfg Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	store, err := a.openStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	limiter, err := a.openLimiter(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	svc, err := magiclink.New(cfg.Core, magiclink.Deps{
		Store:   store,
		Limiter: limiter,
		Events:  magiclink.LogSink{Logger: log.Named("events")},
		Logger:  log,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Service = svc
	a.closers = append(a.closers, svc.Close)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (magiclink.Store, error) {
	switch a.Cfg.Store {
	case "memory":
		return memstore.New(), nil

	case "sqlite":
		if dir := filepath.Dir(a.Cfg.SQLitePath); dir != "." && dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
		st, err := sqlitestore.Open(a.Cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		return st, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(a.Cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		st, err := mongostore.New(ctx, client, mongostore.Config{DBName: a.Cfg.MongoDB})
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store %q", a.Cfg.Store)
}

// openLimiter returns nil when no Redis address is configured; the core
// then falls back to its in-process limiter.
func (a *App) openLimiter(ctx context.Context) (magiclink.RateLimiter, error) {
	if a.Cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: a.Cfg.RedisAddr})
	a.closers = append(a.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	lim, err := redislimit.New(rdb)
	if err != nil {
		return nil, err
	}
	return lim, nil
}

// Server builds the HTTP layer on top of the service.
func (a *App) Server(mail httpapi.MailSender) (*httpapi.Server, error) {
	deps := httpapi.ServiceDeps(a.Service)
	deps.Mail = mail
	deps.Logger = a.Log
	return httpapi.New(a.Cfg.HTTP, deps)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// consoleMailer prints links instead of sending them. Non-prod only.
type consoleMailer struct {
	w io.Writer
}

func (m consoleMailer) SendMagicLink(_ context.Context, to, link string, expiresAt time.Time) error {
	_, err := fmt.Fprintf(m.w, "magic link for %s (expires %s):\n  %s\n", to, expiresAt.Format(time.RFC3339), link)
	return err
}
