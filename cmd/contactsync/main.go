package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-contactsync/pkg/api"
	"github.com/zoff-tech/go-contactsync/pkg/broker"
	"github.com/zoff-tech/go-contactsync/pkg/config"
	"github.com/zoff-tech/go-contactsync/pkg/delivery"
	"github.com/zoff-tech/go-contactsync/pkg/ingest"
	"github.com/zoff-tech/go-contactsync/pkg/mapper"
	"github.com/zoff-tech/go-contactsync/pkg/processor"
	"github.com/zoff-tech/go-contactsync/pkg/signature"
	"github.com/zoff-tech/go-contactsync/pkg/store"
	"github.com/zoff-tech/go-contactsync/pkg/telemetry"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "contactsync")
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("contactsync stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/contactsync")
	if err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	bus, err := broker.NewBroker(ctx, &cfg.Broker, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	proc := processor.NewEventProcessor(repo, bus, mapper.New(cfg.Webhook.Source), cfg.Processor, cfg.Broker.TopicPrefix, logger)
	queue := delivery.NewRetryQueue(cfg.Delivery.Workers, cfg.Delivery.RetriesPerSecond, cfg.Delivery.Burst, logger)
	engine := delivery.NewEngine(repo, queue, cfg.Delivery, logger)
	receiver := ingest.NewReceiver(
		signature.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.MaxAge),
		repo, bus, cfg.Webhook, cfg.Broker.TopicPrefix, logger,
	)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(api.NewHandler(receiver, engine, repo, logger)),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	queue.Start(ctx)
	if _, err := engine.Recover(ctx); err != nil {
		logger.Error("failed to recover pending deliveries", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proc.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stop()
	queue.Wait()
	return err
}
