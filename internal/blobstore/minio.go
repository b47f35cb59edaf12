package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the S3-compatible endpoint settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

// MinioStore keeps sealed blobs in an S3-compatible bucket under
// <prefix>/<content id>.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore creates a MinIO client from cfg.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	// minio.New only validates the endpoint; no request is made until the
	// first call, which is why app wiring follows it with EnsureBucket.
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "blobs"
	}
	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: prefix,
	}, nil
}

// EnsureBucket makes sure the bucket exists before use.
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

func (s *MinioStore) objectKey(id string) string {
	return path.Join(s.prefix, id)
}

func (s *MinioStore) Put(ctx context.Context, data []byte, meta map[string]string) (string, error) {
	// The id is the hash of the ciphertext, so a retried Put overwrites the
	// same object instead of leaving a second copy behind.
	id := ContentID(data)
	opts := minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: meta,
	}
	// Passing the exact size lets minio send a single PUT instead of a
	// multipart upload.
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(id), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", fmt.Errorf("%w: put object: %v", ErrStoreUnavailable, err)
	}
	return id, nil
}

func (s *MinioStore) Get(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get object", id, err)
	}
	defer obj.Close()
	// GetObject is lazy; Stat surfaces a missing key before reading.
	if _, err := obj.Stat(); err != nil {
		return nil, classify("stat object", id, err)
	}
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify("read object", id, err)
	}
	return buf, nil
}

func (s *MinioStore) Delete(ctx context.Context, id string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(id), minio.RemoveObjectOptions{})
	// S3 already treats deleting a missing key as success; the NotFound
	// check covers gateways that report it anyway.
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: remove object: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *MinioStore) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// classify maps minio errors onto the store sentinels so callers never
// import minio to tell a missing blob from an outage.
func classify(op, id string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
