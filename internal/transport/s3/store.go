package s3

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds object storage settings.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // empty = AWS; e.g. http://127.0.0.1:9000 for MinIO
	AccessKeyID     string
	SecretAccessKey string
	PublicBaseURL   string
	UsePathStyle    bool
	// Objects at or above this size go through the multipart uploader.
	MultipartThreshold int64
	HTTPClient         *http.Client
	Logger             *zap.Logger
}

// Store keeps card images in a bucket under <uuid>.<subtype> keys.
type Store struct {
	client        *s3.Client
	uploader      *manager.Uploader
	bucket        string
	publicBaseURL string
	threshold     int64
	logger        *zap.Logger
}

// New connects to S3 or an S3-compatible endpoint. No request is made until first use.
func New(cfg Config) *Store {
	client := s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.AccessKeyID != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	threshold := cfg.MultipartThreshold
	if threshold < manager.MinUploadPartSize {
		threshold = manager.MinUploadPartSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = manager.MinUploadPartSize
		}),
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		threshold:     threshold,
		logger:        logger,
	}
}

// Put stores data under a fresh key and returns the key.
func (s *Store) Put(ctx context.Context, data []byte, mimeType string) (string, error) {
	_, ext, _ := strings.Cut(mimeType, "/")
	if ext == "" {
		ext = "bin"
	}
	key := uuid.NewString() + "." + ext

	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(int64(len(data))),
	}

	var err error
	if int64(len(data)) >= s.threshold {
		_, err = s.uploader.Upload(ctx, input)
	} else {
		_, err = s.client.PutObject(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debug("Card image uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

// Delete removes the object. S3 reports success for keys that do not exist.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	s.logger.Debug("Card image deleted", zap.String("key", key))
	return nil
}

// URL returns the public URL of key.
func (s *Store) URL(key string) string {
	return s.publicBaseURL + "/" + key
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}
