package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobboard/db"
	"jobboard/db/migrations"
	"jobboard/internal/config"
	"jobboard/internal/events"
	"jobboard/internal/handlers"
	"jobboard/internal/payments"
	"jobboard/internal/workflow"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("cannot load config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := workflow.New(store,
		workflow.WithNotifier(events.NewPublisher("jobboard", cfg.NotifyWebhookURL)),
		workflow.WithGateway(payments.NewSandbox()),
	)
	h := handlers.NewHandler(svc, cfg.PaymentWebhookSecret)

	srv := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.NewRouter(h, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", cfg.ServerAddress, "store", cfg.StoreType)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunWarrantySweeper(ctx, cfg.WarrantySweepInterval)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (db.Store, func(), error) {
	if cfg.StoreType == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		return db.NewMemoryStorage(), func() {}, nil
	}

	dbConn, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresConn)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MigrationsEnabled {
		if err := migrations.Run(ctx, dbConn.DB); err != nil {
			dbConn.Close()
			return nil, nil, err
		}
	}
	return db.NewStorage(dbConn), func() { dbConn.Close() }, nil
}
