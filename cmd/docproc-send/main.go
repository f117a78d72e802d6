// Command docproc-send uploads a local document to the files bucket and
// enqueues a parse command for it. Intended for local development against
// localstack.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/katechat/docproc/config"
	"github.com/katechat/docproc/queue"
	"github.com/katechat/docproc/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("docproc-send", flag.ExitOnError)
	filePath := fs.String("file", "", "Path of the document to upload and parse")
	docID := fs.String("document-id", "", "Document id (defaults to a random UUID)")
	prefix := fs.String("prefix", "uploads", "Key prefix in the files bucket")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *filePath == "" {
		return fmt.Errorf("-file is required")
	}

	_ = godotenv.Load()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		return err
	}
	mime := mimetype.Detect(data).String()

	id := *docID
	if id == "" {
		id = uuid.NewString()
	}
	key := fmt.Sprintf("%s/%s%s", *prefix, id, filepath.Ext(*filePath))

	ctx := context.Background()

	s3Cfg, err := loadAWSConfig(ctx, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
	if err != nil {
		return err
	}
	s3Client := s3.NewFromConfig(s3Cfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
			o.UsePathStyle = true
		}
	})
	artifacts := store.NewS3Store(s3Client, cfg.S3FilesBucketName)
	if err := artifacts.Put(ctx, key, data, mime); err != nil {
		return err
	}

	sqsCfg, err := loadAWSConfig(ctx, cfg.SQSRegion, cfg.SQSAccessKeyID, cfg.SQSSecretAccessKey)
	if err != nil {
		return err
	}
	sqsClient := sqs.NewFromConfig(sqsCfg, func(o *sqs.Options) {
		if cfg.SQSEndpoint != "" {
			o.BaseEndpoint = &cfg.SQSEndpoint
		}
	})
	adapter := queue.NewAdapter(sqsClient, cfg.SQSDocumentsQueue, cfg.SQSIndexQueue)

	cmd := queue.Command{
		Command:    queue.CmdParseDocument,
		DocumentID: id,
		S3Key:      key,
		Mime:       mime,
	}
	if err := adapter.Send(ctx, queue.TargetProcessing, cmd, 0); err != nil {
		return err
	}

	fmt.Printf("Enqueued parse_document for %s (key %s, %s)\n", id, key, mime)
	return nil
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
