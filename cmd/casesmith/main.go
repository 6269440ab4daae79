package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MikeSquared-Agency/casesmith/internal/agents"
	"github.com/MikeSquared-Agency/casesmith/internal/anthropic"
	"github.com/MikeSquared-Agency/casesmith/internal/api"
	"github.com/MikeSquared-Agency/casesmith/internal/config"
	"github.com/MikeSquared-Agency/casesmith/internal/hermes"
	"github.com/MikeSquared-Agency/casesmith/internal/llm"
	"github.com/MikeSquared-Agency/casesmith/internal/metrics"
	"github.com/MikeSquared-Agency/casesmith/internal/processor"
	"github.com/MikeSquared-Agency/casesmith/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("casesmith starting", "port", cfg.Port, "llm_provider", cfg.LLMProvider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	if cfg.OtelStdout {
		tp, err := initTracer()
		if err != nil {
			slog.Error("failed to initialise tracing", "error", err)
			os.Exit(1)
		}
		defer tp.Shutdown(context.Background())
	}

	m, err := metrics.NewConversationMetrics()
	if err != nil {
		slog.Error("failed to create metrics", "error", err)
		os.Exit(1)
	}

	// LLM gateway
	gateway, err := newGateway(ctx, cfg)
	if err != nil {
		slog.Error("failed to create llm gateway", "error", err)
		os.Exit(1)
	}
	slog.Info("llm gateway ready", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	deps := agents.Deps{
		Gateway:  gateway,
		Recorder: m,
		Logger:   slog.Default(),
	}

	// Database (optional, results are not persisted without it)
	var archive api.Archive
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		deps.Persister = db
		archive = db
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set, running without persistence")
	}

	// NATS/Hermes (optional mirror)
	var hermesClient *hermes.Client
	var publisher processor.Publisher
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer hermesClient.Close()
		publisher = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, events are not mirrored")
	}

	// Processor, the main pipeline
	proc := processor.New(processor.Options{
		MaxRounds:     cfg.MaxRounds,
		StreamMaxWait: cfg.StreamMaxWait,
		PollInterval:  cfg.PollInterval,
		IdleTTL:       cfg.IdleTTL,
		MaxRuntimes:   cfg.MaxRuntimes,
	}, deps, publisher, m, slog.Default())
	go proc.RunJanitor(ctx, cfg.SweepInterval)

	if hermesClient != nil {
		if err := hermesClient.SubscribeFeedback(proc.HandleFeedback); err != nil {
			slog.Error("failed to subscribe to feedback submissions", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, proc, archive, cfg.APIToken, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Announce registration
	if hermesClient != nil {
		if err := hermesClient.Publish(hermes.SubjectRegistered, map[string]any{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"port":       cfg.Port,
			"max_rounds": cfg.MaxRounds,
		}); err != nil {
			slog.Warn("failed to publish registration", "error", err)
		}
	}

	slog.Info("casesmith ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	if hermesClient != nil {
		if err := hermesClient.Drain(); err != nil {
			slog.Warn("NATS drain error", "error", err)
		}
	}
	cancel()
	slog.Info("casesmith stopped")
}

func newGateway(ctx context.Context, cfg config.Config) (llm.Gateway, error) {
	provider := llm.ParseProvider(cfg.LLMProvider)

	var next llm.Gateway
	switch provider {
	case llm.ProviderAnthropic:
		if cfg.LLMAPIKey == "" {
			return nil, fmt.Errorf("LLM_API_KEY is required for provider %q", provider)
		}
		client := anthropic.NewClient(cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
		if cfg.LLMBaseURL != "" {
			client.SetBaseURL(cfg.LLMBaseURL)
		}
		next = client
	default:
		cm, err := llm.NewChatModel(ctx, llm.ModelConfig{
			Provider: provider,
			BaseURL:  cfg.LLMBaseURL,
			APIKey:   cfg.LLMAPIKey,
			Model:    cfg.LLMModel,
			Timeout:  cfg.LLMTimeout,
		})
		if err != nil {
			return nil, err
		}
		next = llm.NewEinoGateway(cm)
	}

	return llm.NewBreakerGateway(next, llm.BreakerSettings{Name: string(provider)}, slog.Default()), nil
}

func initTracer() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
