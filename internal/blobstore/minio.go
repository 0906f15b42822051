package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/hubqueue/internal/config"
)

// MinioStore implements Store on top of a MinIO/S3 bucket. Paths like
// "/users.json" map to object keys without the leading slash.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinio creates a MinIO client from the Config.
func NewMinio(cfg *config.Config) (*MinioStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the backing bucket exists before use.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

func objectKey(path string) string {
	return strings.TrimPrefix(path, "/")
}

func (s *MinioStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey(path), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &StoreError{Op: "stat", Path: path, Err: err}
	}
	return true, nil
}

func (s *MinioStore) Read(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, &StoreError{Op: "get", Path: path, Err: err}
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		// GetObject is lazy; a missing key only surfaces on first read.
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, &StoreError{Op: "read", Path: path, Err: err}
	}
	return buf, nil
}

func (s *MinioStore) Write(ctx context.Context, path string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(path), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return &StoreError{Op: "put", Path: path, Err: err}
	}
	return nil
}

func (s *MinioStore) WriteIfAbsent(ctx context.Context, path string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	// If-None-Match: * turns the PUT into an atomic create. This is the only
	// server-side atomic operation the whole locking scheme relies on.
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(path), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" {
			return ErrAlreadyExists
		}
		return &StoreError{Op: "put-if-absent", Path: path, Err: err}
	}
	return nil
}

func (s *MinioStore) Swap(ctx context.Context, path string, old, new []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	// The ETag of a plain single-part PUT is the MD5 of its content, so
	// matching on md5(old) makes this a compare-and-swap against the exact
	// bytes the caller last read. Holds for the small unencrypted objects
	// Swap is used on (the lock marker).
	sum := md5.Sum(old)
	opts.SetMatchETag(hex.EncodeToString(sum[:]))
	_, err := s.client.PutObject(ctx, s.bucket, objectKey(path), bytes.NewReader(new), int64(len(new)), opts)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" {
			return ErrModified
		}
		if isNotFound(err) {
			return ErrNotFound
		}
		return &StoreError{Op: "swap", Path: path, Err: err}
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, path string) error {
	// RemoveObject succeeds for absent keys, which gives us idempotence.
	if err := s.client.RemoveObject(ctx, s.bucket, objectKey(path), minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return &StoreError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	opts := minio.ListObjectsOptions{Prefix: objectKey(prefix), Recursive: true}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, &StoreError{Op: "list", Path: prefix, Err: obj.Err}
		}
		entries = append(entries, Entry{
			Path:         "/" + obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return entries, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
