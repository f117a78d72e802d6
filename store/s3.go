package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store implements the artifact gateway against an S3-compatible object
// store. All artifacts live in a single bucket.
type S3Store struct {
	client S3Client
	bucket string
}

// NewS3Store creates a gateway for the given bucket.
func NewS3Store(client S3Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// isMissing reports whether err indicates a missing object. S3 returns
// NoSuchKey for GetObject and NotFound for HeadObject; S3-compatible stores
// are inconsistent about which, so both are checked.
func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

// Exists reports whether the object exists via a HEAD request.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

// GetBytes returns the object body and content type.
func (s *S3Store) GetBytes(ctx context.Context, key string) ([]byte, string, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissing(err) {
			return nil, "", fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", key, err)
	}

	contentType := ""
	if resp.ContentType != nil {
		contentType = *resp.ContentType
	}
	return body, contentType, nil
}

// GetText returns the object body as text.
func (s *S3Store) GetText(ctx context.Context, key string) (string, error) {
	body, _, err := s.GetBytes(ctx, key)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Put writes the object with the given content type.
func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	return s.PutStream(ctx, key, bytes.NewReader(body), contentType)
}

// PutStream writes the object from a reader.
func (s *S3Store) PutStream(ctx context.Context, key string, body io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes the object.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil && !isMissing(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// ListByPrefix returns all keys under prefix matching the filter.
func (s *S3Store) ListByPrefix(ctx context.Context, prefix string, filter func(string) bool) ([]string, error) {
	var keys []string
	var continuation *string

	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
		}

		for _, obj := range resp.Contents {
			if obj.Key == nil {
				continue
			}
			if filter == nil || filter(*obj.Key) {
				keys = append(keys, *obj.Key)
			}
		}

		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuation = resp.NextContinuationToken
	}

	return keys, nil
}
