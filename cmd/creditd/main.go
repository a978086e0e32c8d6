package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/logging"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/metrics"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/notify"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/obs"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/signature"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/webhook"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "creditd"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "creditd: load .env: %v\n", err)
	}
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Meeting credit webhook service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(cmd, cfg)
		},
	}
	registerFlags(cmd)

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newCreditsCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint and credit API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(cmd, cfg)
		},
	}
}

func runServeCommand(cmd *cobra.Command, cfg *runtimeConfig) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runServer(ctx, cfg)
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	backend, err := openBackend(ctx, cfg, cfg.autoMigrate())
	if err != nil {
		return err
	}
	defer func() { _ = backend.close() }()

	tracer, shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: cfg.HTTP.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("tracer init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := shutdownTracer(shutdownCtx); shutdownErr != nil {
			logger.Warn("tracer shutdown error", zap.Error(shutdownErr))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		return fmt.Errorf("metrics init: %w", err)
	}

	verifier, err := buildVerifier(cfg, logger)
	if err != nil {
		return err
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.AMQPURL != "" {
		amqpPublisher, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp publisher: %w", err)
		}
		defer func() { _ = amqpPublisher.Close() }()
		publisher = amqpPublisher
		logger.Info("transition notifications enabled", zap.String("exchange", cfg.AMQPExchange))
	}

	service, err := newCreditService(backend.store, cfg, logger)
	if err != nil {
		return err
	}

	processor, err := webhook.NewProcessor(verifier, backend.directory, service,
		webhook.WithLogger(logger),
		webhook.WithMetrics(recorder),
		webhook.WithTracer(tracer),
		webhook.WithPublisher(publisher),
		webhook.WithStoreTimeout(cfg.HTTP.StoreTimeout),
	)
	if err != nil {
		return fmt.Errorf("webhook processor: %w", err)
	}

	return httpapi.Run(ctx, cfg.HTTP, httpapi.Deps{
		Service:  service,
		Webhook:  webhook.NewHandler(processor),
		Gatherer: registry,
		Logger:   logger,
	})
}

func buildVerifier(cfg *runtimeConfig, logger *zap.Logger) (*signature.Verifier, error) {
	if cfg.WebhookSigningKey == "" {
		logger.Warn("webhook signing key not set; signature verification disabled")
		return signature.Disabled(), nil
	}
	verifier, err := signature.NewVerifier(signature.Config{
		SigningKey: cfg.WebhookSigningKey,
		Tolerance:  cfg.WebhookTolerance,
	})
	if err != nil {
		return nil, fmt.Errorf("signature verifier: %w", err)
	}
	return verifier, nil
}

func newCreditService(store credits.Store, cfg *runtimeConfig, logger *zap.Logger) (*credits.Service, error) {
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credits.NewService(store, clock,
		credits.WithOperationLogger(logging.NewZapOperationLogger(logger)),
		credits.WithDefaultBalance(cfg.DefaultCredits),
	)
	if err != nil {
		return nil, fmt.Errorf("credit service init: %w", err)
	}
	return service, nil
}
