// Package config handles parsing and validation of the document-processor
// settings. Values come from the environment, optionally seeded from a .env
// file by the caller.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all settings for the worker. Every field maps to one
// environment variable; see Load for the mapping and defaults.
type Config struct {
	Port                  int           // HTTP port for /healthz and /metrics
	LogLevel              string        // zerolog level name
	RedisURL              string        // Redis connection URL
	DocumentStatusChannel string        // Pub/sub channel for status notifications
	S3Endpoint            string        // Object store endpoint (empty for AWS default)
	S3Region              string        // Object store region
	S3AccessKeyID         string        // Object store credentials
	S3SecretAccessKey     string        // Object store credentials
	S3FilesBucketName     string        // Bucket holding document artifacts
	SQSEndpoint           string        // Queue endpoint (empty for AWS default)
	SQSRegion             string        // Queue region
	SQSAccessKeyID        string        // Queue credentials
	SQSSecretAccessKey    string        // Queue credentials
	SQSDocumentsQueue     string        // Processing queue URL
	SQSIndexQueue         string        // Indexing queue URL
	NumThreads            int           // Poller count and parser worker count (1..10)
	PDFPageBatchSize      int           // Pages per fan-out batch
	WorkerRestartAfter    int           // Tasks before a parser worker is recycled
	ParserCommand         []string      // Argv of the external parse tool run inside worker children
	ShutdownTimeout       time.Duration // Graceful shutdown budget
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Port:                  envInt("PORT", 8080),
		LogLevel:              envStr("LOG_LEVEL", "info"),
		RedisURL:              envStr("REDIS_URL", "redis://localhost:6379"),
		DocumentStatusChannel: envStr("DOCUMENT_STATUS_CHANNEL", "document:status"),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3Region:              envStr("S3_REGION", "us-east-1"),
		S3AccessKeyID:         os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey:     os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3FilesBucketName:     envStr("S3_FILES_BUCKET_NAME", "katechatdevfiles"),
		SQSEndpoint:           os.Getenv("SQS_ENDPOINT"),
		SQSRegion:             envStr("SQS_REGION", "us-east-1"),
		SQSAccessKeyID:        os.Getenv("SQS_ACCESS_KEY_ID"),
		SQSSecretAccessKey:    os.Getenv("SQS_SECRET_ACCESS_KEY"),
		SQSDocumentsQueue:     os.Getenv("SQS_DOCUMENTS_QUEUE"),
		SQSIndexQueue:         os.Getenv("SQS_INDEX_DOCUMENTS_QUEUE"),
		NumThreads:            envInt("NUM_THREADS", 2),
		PDFPageBatchSize:      envInt("PDF_PAGE_BATCH_SIZE", 10),
		WorkerRestartAfter:    envInt("WORKER_RESTART_AFTER", 20),
		ParserCommand:         envArgv("PARSER_COMMAND", "docparse"),
		ShutdownTimeout:       envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate ensures all required fields are present and have valid values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.DocumentStatusChannel == "" {
		return fmt.Errorf("document status channel is required")
	}

	if c.S3FilesBucketName == "" {
		return fmt.Errorf("files bucket name is required")
	}

	if c.SQSDocumentsQueue == "" {
		return fmt.Errorf("documents queue URL is required")
	}

	if c.SQSIndexQueue == "" {
		return fmt.Errorf("index documents queue URL is required")
	}

	if c.NumThreads < 1 || c.NumThreads > 10 {
		return fmt.Errorf("num threads must be between 1 and 10")
	}

	if c.PDFPageBatchSize < 1 {
		return fmt.Errorf("pdf page batch size must be at least 1")
	}

	if c.WorkerRestartAfter < 0 {
		return fmt.Errorf("worker restart after must not be negative")
	}

	if len(c.ParserCommand) == 0 {
		return fmt.Errorf("parser command is required")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
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

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envArgv(key, fallback string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	return strings.Fields(v)
}
