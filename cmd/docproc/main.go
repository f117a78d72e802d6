// Command docproc runs the document-ingestion worker: it polls the
// processing queue, parses and chunks documents, and forwards them to the
// indexing queue. Invoked with the "worker" argument it runs one parser
// worker child instead; the pool re-executes this binary in that mode.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/katechat/docproc/config"
	"github.com/katechat/docproc/host"
	"github.com/katechat/docproc/metrics"
	"github.com/katechat/docproc/orchestrator"
	"github.com/katechat/docproc/parserpool"
	"github.com/katechat/docproc/parserpool/childproc"
	"github.com/katechat/docproc/pdfbatch"
	"github.com/katechat/docproc/progress"
	"github.com/katechat/docproc/queue"
	"github.com/katechat/docproc/store"
	"github.com/katechat/docproc/textprep"
)

const (
	appName = "docproc"
	version = "0.1.0"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := runWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the worker host and blocks until a termination signal.
func run() error {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Progress registry.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()
	registry := progress.NewRedisRegistry(
		redisClient, cfg.DocumentStatusChannel, progress.DefaultTTL,
		log.With().Str("component", "progress").Logger(),
	)

	// Object store and queues.
	s3Client, err := newS3Client(ctx, cfg)
	if err != nil {
		return err
	}
	sqsClient, err := newSQSClient(ctx, cfg)
	if err != nil {
		return err
	}
	artifacts := store.NewS3Store(s3Client, cfg.S3FilesBucketName)
	adapter := queue.NewAdapter(sqsClient, cfg.SQSDocumentsQueue, cfg.SQSIndexQueue)

	// Metrics.
	m := metrics.New()
	registryProm := prometheus.NewRegistry()
	m.Register(registryProm)

	// Parser worker pool: children re-execute this binary in worker mode.
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	poolLog := log.With().Str("component", "parserpool").Logger()
	launcher := parserpool.NewProcessLauncher([]string{self, "worker"}, poolLog)
	pool := parserpool.New(launcher, cfg.NumThreads, cfg.WorkerRestartAfter, poolLog)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Shutdown()

	chunker, err := textprep.NewChunker()
	if err != nil {
		return fmt.Errorf("failed to initialize chunker: %w", err)
	}

	orch := orchestrator.New(
		artifacts, registry, adapter, pool,
		pdfbatch.New(cfg.PDFPageBatchSize), chunker, m,
		log.With().Str("component", "orchestrator").Logger(),
	)
	workerHost := host.New(adapter, orch, cfg.NumThreads, m,
		log.With().Str("component", "host").Logger())

	httpSrv := host.NewHTTPServer(cfg.Port, registryProm, appName, version)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http listener failed")
		}
	}()

	runErr := workerHost.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	return runErr
}

// runWorker runs one parser worker child speaking the pool protocol on
// stdin/stdout.
func runWorker() error {
	_ = godotenv.Load()
	cfg := config.Load()
	engine := childproc.NewExecEngine(cfg.ParserCommand)
	return childproc.Serve(context.Background(), engine, os.Stdin, os.Stdout)
}

func newLogger(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
			o.UsePathStyle = true
		}
	}), nil
}

func newSQSClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.SQSRegion, cfg.SQSAccessKeyID, cfg.SQSSecretAccessKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load sqs config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.SQSEndpoint != "" {
			o.BaseEndpoint = &cfg.SQSEndpoint
		}
	}), nil
}

func loadAWSConfig(ctx context.Context, region, accessKey, secretKey string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
