package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:                  8080,
		LogLevel:              "info",
		RedisURL:              "redis://localhost:6379",
		DocumentStatusChannel: "document:status",
		S3Region:              "us-east-1",
		S3FilesBucketName:     "files",
		SQSRegion:             "us-east-1",
		SQSDocumentsQueue:     "http://localhost:4566/000000000000/documents-queue",
		SQSIndexQueue:         "http://localhost:4566/000000000000/index-documents-queue",
		NumThreads:            2,
		PDFPageBatchSize:      10,
		WorkerRestartAfter:    20,
		ParserCommand:         []string{"docparse"},
		ShutdownTimeout:       30 * time.Second,
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_NumThreadsBounds(t *testing.T) {
	for _, n := range []int{0, -1, 11, 100} {
		cfg := validConfig()
		cfg.NumThreads = n
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for num threads %d", n)
		}
	}
	for _, n := range []int{1, 10} {
		cfg := validConfig()
		cfg.NumThreads = n
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected num threads %d to be valid, got: %v", n, err)
		}
	}
}

func TestValidate_MissingQueues(t *testing.T) {
	cfg := validConfig()
	cfg.SQSDocumentsQueue = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing documents queue")
	}

	cfg = validConfig()
	cfg.SQSIndexQueue = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing index queue")
	}
}

func TestValidate_BatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.PDFPageBatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SQS_DOCUMENTS_QUEUE", "http://localhost:4566/q")
	t.Setenv("SQS_INDEX_DOCUMENTS_QUEUE", "http://localhost:4566/iq")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PDFPageBatchSize != 10 {
		t.Errorf("expected default batch size 10, got %d", cfg.PDFPageBatchSize)
	}
	if cfg.WorkerRestartAfter != 20 {
		t.Errorf("expected default restart after 20, got %d", cfg.WorkerRestartAfter)
	}
	if cfg.DocumentStatusChannel != "document:status" {
		t.Errorf("unexpected status channel: %s", cfg.DocumentStatusChannel)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config with queues should validate: %v", err)
	}
}

func TestLoad_ParserCommandSplit(t *testing.T) {
	t.Setenv("PARSER_COMMAND", "python3 -m docparse")

	cfg := Load()
	if len(cfg.ParserCommand) != 3 || cfg.ParserCommand[0] != "python3" {
		t.Fatalf("unexpected parser command: %v", cfg.ParserCommand)
	}
}
