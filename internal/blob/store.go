// Package blob implements the archive backend for cold-class data over
// S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/stratakv/stratakv/internal/router"
	"github.com/stratakv/stratakv/internal/types"
)

// Reserved object-metadata keys carrying the envelope fields.
const (
	metaWrittenAt = "strata-written-at"
	metaExpiresAt = "strata-expires-at"
)

// S3API is the subset of the S3 client the store uses. Tests provide an
// in-memory implementation.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store implements router.Adapter over an S3-compatible bucket.
type Store struct {
	name   string
	s3     S3API
	bucket string
	prefix string
	logger *zap.Logger

	gets, puts, deletes, errs atomic.Uint64
}

// NewStore creates an archive store using an S3API implementation.
func NewStore(name string, s3api S3API, bucket, prefix string, logger *zap.Logger) *Store {
	return &Store{
		name:   name,
		s3:     s3api,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (s *Store) Name() string            { return s.name }
func (s *Store) Kind() types.BackendKind { return types.BackendS3 }

// objectKey maps "keyspace:identifier" onto "prefix/keyspace/identifier".
// Only the keyspace separator becomes a path level; any further colons are
// legal in object keys and stay verbatim, keeping the mapping reversible.
func (s *Store) objectKey(key string) string {
	path := strings.Replace(key, ":", "/", 1)
	if s.prefix != "" {
		return s.prefix + "/" + path
	}
	return path
}

func (s *Store) storageKey(objectKey string) string {
	path := objectKey
	if s.prefix != "" {
		path = strings.TrimPrefix(path, s.prefix+"/")
	}
	return strings.Replace(path, "/", ":", 1)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.gets.Add(1)

	objKey := s.objectKey(key)
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, false, nil
		}
		s.errs.Add(1)
		return nil, false, fmt.Errorf("downloading object %q: %w", objKey, err)
	}
	defer resp.Body.Close()

	if raw, ok := resp.Metadata[metaExpiresAt]; ok && raw != "" {
		expiresAt, perr := time.Parse(time.RFC3339, raw)
		if perr == nil && time.Now().After(expiresAt) {
			if derr := s.Delete(ctx, key); derr != nil {
				s.logger.Warn("failed to delete expired object", zap.String("key", objKey), zap.Error(derr))
			}
			return nil, false, nil
		}
	}

	value, err := io.ReadAll(resp.Body)
	if err != nil {
		s.errs.Add(1)
		return nil, false, fmt.Errorf("reading object body: %w", err)
	}
	return value, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, opts router.PutOptions) error {
	s.puts.Add(1)
	now := time.Now()

	metadata := map[string]string{
		metaWrittenAt: now.Format(time.RFC3339),
	}
	if opts.TTL > 0 {
		metadata[metaExpiresAt] = now.Add(opts.TTL).Format(time.RFC3339)
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	objKey := s.objectKey(key)
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &objKey,
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    metadata,
	})
	if err != nil {
		s.errs.Add(1)
		return fmt.Errorf("uploading object %q: %w", objKey, err)
	}

	s.logger.Debug("object uploaded",
		zap.String("key", objKey),
		zap.Int("size", len(value)),
	)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.deletes.Add(1)
	objKey := s.objectKey(key)
	if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &objKey,
	}); err != nil {
		s.errs.Add(1)
		return fmt.Errorf("deleting object %q: %w", objKey, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, opts router.ListOptions) ([]string, error) {
	prefix := s.objectKey(opts.Prefix)
	input := &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit))
	}

	resp, err := s.s3.ListObjectsV2(ctx, input)
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("listing objects: %w", err)
	}

	keys := make([]string, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		keys = append(keys, s.storageKey(*obj.Key))
	}
	return keys, nil
}

func (s *Store) Stats(_ context.Context) (types.AdapterStats, error) {
	return types.AdapterStats{
		Kind:    types.BackendS3,
		Name:    s.name,
		Gets:    s.gets.Load(),
		Puts:    s.puts.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
	}, nil
}

func (s *Store) HealthCheck(ctx context.Context) (bool, []string) {
	if _, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket}); err != nil {
		return false, []string{fmt.Sprintf("head bucket: %v", err)}
	}
	return true, nil
}

func (s *Store) Close() error { return nil }
