package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"replicator/internal/admin"
	"replicator/internal/deadletter"
	"replicator/internal/envelope"
	"replicator/internal/keystore"
	"replicator/internal/listener"
	"replicator/internal/platform/backoff"
	"replicator/internal/platform/config"
	"replicator/internal/platform/httpserver"
	"replicator/internal/platform/logger"
	"replicator/internal/platform/metrics"
	"replicator/internal/replicator"
	"replicator/internal/sender"
)

// main wires configuration into the pipeline and keeps the lifecycle small.
// The replication logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.FromDebugFlag(cfg.Debug)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Error("replicator stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("replicator stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := loadKeys(cfg)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	active, err := keys.Active()
	if err != nil {
		return fmt.Errorf("no active encryption key: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	policy := backoff.Policy{Min: cfg.BackoffMin, Max: cfg.BackoffMax, Factor: 2}

	source, err := listener.New(listener.Config{
		DatabaseURL: cfg.DatabaseURL,
		Channel:     cfg.ListenChannel,
		Backoff:     policy,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("build listener: %w", err)
	}

	enc, err := envelope.NewEncryptor(keys, cfg.MaxPayloadBytes)
	if err != nil {
		return fmt.Errorf("build encryptor: %w", err)
	}

	dlq, err := newDeadLetter(cfg)
	if err != nil {
		return fmt.Errorf("build dead-letter store: %w", err)
	}

	baseURL := cfg.CloudAPIURL
	if baseURL == "" {
		if !cfg.DryRun {
			return errors.New("CLOUD_API_URL is required")
		}
		// Dry runs never dial out; the sender just needs a syntactically
		// valid base URL.
		baseURL = "http://localhost:0"
	}
	snd, err := sender.New(sender.Config{
		BaseURL:     baseURL,
		Token:       cfg.CloudAPIToken,
		MaxAttempts: cfg.RetryAttempts,
		Backoff:     policy,
		DeadLetter:  dlq,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("build sender: %w", err)
	}

	pipeline, err := replicator.New(replicator.Config{
		Source:        source,
		Encryptor:     enc,
		Sender:        snd,
		DeadLetter:    dlq,
		QueueCapacity: cfg.QueueCapacity,
		CodecWorkers:  cfg.CodecWorkers,
		SenderWorkers: cfg.SenderWorkers,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		ShutdownGrace: cfg.ShutdownGrace,
		DryRun:        cfg.DryRun,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	adminHandler, err := admin.New(admin.Config{
		Keys:     keys,
		Pipeline: pipeline,
		Listener: source,
		Registry: registry,
		Token:    cfg.AdminToken,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("build admin handler: %w", err)
	}
	adminSrv := httpserver.New(cfg.AdminAddr, adminHandler.Router())
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", "error", err)
		}
	}()

	log.Info("replicator started",
		"channel", cfg.ListenChannel,
		"receiver", baseURL,
		"key_id", active.KeyID,
		"dead_letter_backend", cfg.DeadLetterBackend,
		"admin_addr", cfg.AdminAddr,
		"dry_run", cfg.DryRun,
	)

	runErr := pipeline.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown failed", "error", err)
	}
	return runErr
}

// loadKeys builds the public-key store from either a rotation directory or
// the single-key bootstrap path.
func loadKeys(cfg config.Config) (*keystore.Store, error) {
	if cfg.KeysDir != "" {
		return keystore.LoadDir(cfg.KeysDir)
	}
	return keystore.LoadPublicKeyFile(cfg.PublicKeyPath, cfg.KeyID)
}

func newDeadLetter(cfg config.Config) (deadletter.Store, error) {
	switch cfg.DeadLetterBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return deadletter.NewRedis(client, "")
	default:
		return deadletter.NewDisk(cfg.DeadLetterDir)
	}
}
