package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env  string
	Port int

	// Storage and transport.
	UsersTable      string
	QueueName       string
	DLQName         string
	AWSRegion       string
	AWSEndpointURL  string
	QueueAutocreate bool

	// Outbound webhook.
	HookbinURL    string
	WebhookSecret string

	// Worker loops.
	WorkerHealthPort int
	SweepInterval    time.Duration
	RedriveInterval  time.Duration
	MonitorInterval  time.Duration

	// Optional collaborators.
	RedisAddr   string
	DatabaseURL string

	// Ops API auth.
	AdminJWTSecret    string
	AdminPasswordHash string

	OTLPEndpoint     string
	TraceSampleRatio float64
}

func Load() Config {
	return Config{
		Env:  getEnv("APP_ENV", "dev"),
		Port: getEnvInt("PORT", 8080),

		UsersTable:      getEnv("USERS_TABLE", "greeter-users"),
		QueueName:       getEnv("GREETER_QUEUE_NAME", "greeter-queue.fifo"),
		DLQName:         getEnv("DLQ_QUEUE_NAME", "greeter-dlq.fifo"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL:  getEnv("AWS_ENDPOINT_URL", ""),
		QueueAutocreate: getEnvBool("QUEUE_AUTOCREATE", false),

		HookbinURL:    getEnv("HOOKBIN_URL", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		WorkerHealthPort: getEnvInt("WORKER_HEALTH_PORT", 8081),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),
		RedriveInterval:  getEnvDuration("REDRIVE_INTERVAL", 5*time.Minute),
		MonitorInterval:  getEnvDuration("MONITOR_INTERVAL", 5*time.Minute),

		RedisAddr:   getEnv("REDIS_ADDR", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		AdminJWTSecret:    getEnv("ADMIN_JWT_SECRET", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),

		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
	}
}

// RequireWorker reports the settings the worker cannot start without.
func (c Config) RequireWorker() error {
	var missing []string
	if c.HookbinURL == "" {
		missing = append(missing, "HOOKBIN_URL")
	}
	if c.UsersTable == "" {
		missing = append(missing, "USERS_TABLE")
	}
	if c.QueueName == "" {
		missing = append(missing, "GREETER_QUEUE_NAME")
	}
	if c.DLQName == "" {
		missing = append(missing, "DLQ_QUEUE_NAME")
	}
	return missingErr(missing)
}

// RequireAPI reports the settings the ops API cannot start without.
func (c Config) RequireAPI() error {
	var missing []string
	if c.AdminJWTSecret == "" {
		missing = append(missing, "ADMIN_JWT_SECRET")
	}
	if c.AdminPasswordHash == "" {
		missing = append(missing, "ADMIN_PASSWORD_HASH")
	}
	if c.UsersTable == "" {
		missing = append(missing, "USERS_TABLE")
	}
	return missingErr(missing)
}

func missingErr(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %s", strings.Join(keys, ", "))
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)
		if err != nil {
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fallback
		}
		return f
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fallback
		}
		return d
	}
	return fallback
}
