package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/wa-bulk-sender/internal/api"
	"github.com/LeventeLantos/wa-bulk-sender/internal/cache"
	"github.com/LeventeLantos/wa-bulk-sender/internal/client"
	"github.com/LeventeLantos/wa-bulk-sender/internal/config"
	"github.com/LeventeLantos/wa-bulk-sender/internal/repo"
	"github.com/LeventeLantos/wa-bulk-sender/internal/retention"
	"github.com/LeventeLantos/wa-bulk-sender/internal/service"
	"github.com/LeventeLantos/wa-bulk-sender/internal/template"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("bulk sender exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	var index cache.MessageIndex
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		index = cache.NewRedisIndex(rdb, cfg.Redis.TTL)
	}

	wa := client.NewWhatsAppClient(client.Options{
		BaseURL:       cfg.WhatsApp.APIURL,
		APIVersion:    cfg.WhatsApp.APIVersion,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		Token:         cfg.WhatsApp.Token,
		Timeout:       cfg.WhatsApp.Timeout,
		RatePerSec:    cfg.WhatsApp.RatePerSec,
	})

	dispatcher := service.NewDispatcher(store, wa, service.Options{
		Concurrency: cfg.Dispatch.Concurrency,
		RetryLimit:  cfg.Dispatch.RetryLimit,
		BaseDelay:   cfg.Dispatch.RetryBase,
		MaxDelay:    cfg.Dispatch.RetryMax,
		Template: template.Spec{
			Name:     cfg.Template.Name,
			Language: cfg.Template.Language,
			Arity:    cfg.Template.ParamCount,
		},
	}, logger.With("component", "dispatcher"))
	correlator := service.NewCorrelator(store, logger.With("component", "correlator"))
	if index != nil {
		dispatcher.WithIndex(index)
		correlator.WithIndex(index)
	}

	dispatcher.Start(ctx)
	defer dispatcher.Close()

	if n, err := dispatcher.Resume(ctx); err != nil {
		logger.Error("failed to resume unfinished jobs", "error", err)
	} else if n > 0 {
		logger.Info("resumed unfinished jobs", "count", n)
	}

	if cfg.Retention.Enabled {
		sweeper, err := retention.New(store, cfg.Retention.Interval, cfg.Retention.MaxAge, logger.With("component", "retention"))
		if err != nil {
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	h := api.NewHandler(dispatcher, store, correlator, api.WebhookConfig{
		VerifyToken: cfg.Webhook.VerifyToken,
		AppSecret:   cfg.Webhook.AppSecret,
	}, logger.With("component", "api"))

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bulk sender starting",
			"addr", cfg.Server.Address,
			"store", cfg.Store.Driver,
			"concurrency", cfg.Dispatch.Concurrency,
			"retry_limit", cfg.Dispatch.RetryLimit,
			"redis", cfg.Redis.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (repo.JobStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return repo.NewMemoryJobStore(), nil
	case config.DriverPostgres:
		return repo.NewPostgresJobStore(ctx, cfg.PostgresURL, cfg.MaxConns)
	default:
		return repo.NewSQLiteJobStore(cfg.SQLitePath)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
