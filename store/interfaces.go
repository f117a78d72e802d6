// Package store provides typed access to document artifacts in the object
// store. Artifacts are addressed by key; derived artifacts share the root key
// of the original upload.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// S3Client defines the S3 operations required by the artifact gateway.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is the artifact gateway used by the pipeline.
type Store interface {
	// Exists reports whether the object exists. A missing object is not an
	// error.
	Exists(ctx context.Context, key string) (bool, error)
	// GetBytes returns the object body and its content type.
	GetBytes(ctx context.Context, key string) ([]byte, string, error)
	// GetText returns the object body decoded as UTF-8 text.
	GetText(ctx context.Context, key string) (string, error)
	// Put writes the object with the given content type.
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// PutStream writes the object from a reader.
	PutStream(ctx context.Context, key string, body io.Reader, contentType string) error
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// ListByPrefix returns keys starting with prefix for which filter returns
	// true. A nil filter matches every key.
	ListByPrefix(ctx context.Context, prefix string, filter func(string) bool) ([]string, error)
}

// Compile-time interface checks.
var (
	_ S3Client = (*s3.Client)(nil)
	_ Store    = (*S3Store)(nil)
	_ Store    = (*MemoryStore)(nil)
)
