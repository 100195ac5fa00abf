package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config captures every recognized environment variable so main stays lean.
type Config struct {
	// Database connection
	DatabaseURL   string
	ListenChannel string

	// Cloud receiver API
	CloudAPIURL   string
	CloudAPIToken string

	// Key material. KeysDir takes precedence; PublicKeyPath/KeyID is the
	// single-key bootstrap used by minimal deployments.
	KeysDir       string
	PublicKeyPath string
	KeyID         string

	// Pipeline sizing
	QueueCapacity int
	CodecWorkers  int
	SenderWorkers int
	BatchSize     int
	FlushInterval time.Duration

	// Delivery retry policy
	RetryAttempts int
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	// Envelope limits
	MaxPayloadBytes int

	// Dead-letter storage
	DeadLetterBackend string // "disk" or "redis"
	DeadLetterDir     string
	RedisAddr         string

	// Admin/ops HTTP endpoint
	AdminAddr  string
	AdminToken string

	ShutdownGrace time.Duration

	Debug  bool
	DryRun bool
}

// FromEnv builds a Config from environment variables, applying the defaults
// the service ships with.
func FromEnv() Config {
	return Config{
		DatabaseURL:       envStr("DATABASE_URL", "postgres://nis2user:password@db:5432/nis2_app"),
		ListenChannel:     envStr("LISTEN_CHANNEL", "nis2_changes"),
		CloudAPIURL:       envStr("CLOUD_API_URL", ""),
		CloudAPIToken:     envStr("CLOUD_API_TOKEN", ""),
		KeysDir:           envStr("KEYS_DIR", ""),
		PublicKeyPath:     envStr("RSA_PUBLIC_KEY_PATH", "/keys/cloud.pub"),
		KeyID:             envStr("KEY_ID", "cloud-backup-default"),
		QueueCapacity:     envInt("QUEUE_CAPACITY", 1024),
		CodecWorkers:      envInt("CODEC_WORKERS", 2),
		SenderWorkers:     envInt("SENDER_WORKERS", 4),
		BatchSize:         envInt("BATCH_SIZE", 100),
		FlushInterval:     envSeconds("FLUSH_INTERVAL_SECONDS", 5),
		RetryAttempts:     envInt("RETRY_ATTEMPTS", 3),
		BackoffMin:        envMillis("RETRY_BACKOFF_MIN_MS", 500),
		BackoffMax:        envMillis("RETRY_BACKOFF_MAX_MS", 30000),
		MaxPayloadBytes:   envInt("MAX_PAYLOAD_BYTES", 1<<20),
		DeadLetterBackend: envStr("DEAD_LETTER_BACKEND", "disk"),
		DeadLetterDir:     envStr("DEAD_LETTER_DIR", "/var/lib/replicator/deadletter"),
		RedisAddr:         envStr("REDIS_ADDR", "localhost:6379"),
		AdminAddr:         envStr("ADMIN_ADDR", ":8090"),
		AdminToken:        envStr("ADMIN_TOKEN", ""),
		ShutdownGrace:     envSeconds("SHUTDOWN_GRACE_SECONDS", 15),
		Debug:             envBool("DEBUG"),
		DryRun:            envBool("DRY_RUN"),
	}
}

// Validate rejects combinations the pipeline cannot start with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.KeysDir == "" && c.PublicKeyPath == "" {
		return fmt.Errorf("either KEYS_DIR or RSA_PUBLIC_KEY_PATH is required")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", c.RetryAttempts)
	}
	if c.BackoffMin > c.BackoffMax {
		return fmt.Errorf("RETRY_BACKOFF_MIN_MS exceeds RETRY_BACKOFF_MAX_MS")
	}
	switch c.DeadLetterBackend {
	case "disk", "redis":
	default:
		return fmt.Errorf("unknown DEAD_LETTER_BACKEND %q", c.DeadLetterBackend)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func envBool(key string) bool {
	return os.Getenv(key) == "true"
}
