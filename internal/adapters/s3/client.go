package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

// ObjectAPI is the subset of the S3 client the adapter calls.
type ObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader is an optional bulk upload path used on Close instead of a
// single PutObject. A failed upload falls back to PutObject.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, data []byte, storageClass string) error
}

// NewClient builds an S3 client from cfg using the default AWS credential
// chain, or static credentials when an access key is configured.
func NewClient(ctx context.Context, cfg *Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// NewFromConfig creates an adapter backed by a real S3 client. With
// EnableCargoShip set, write streams upload through a cargoship transporter.
func NewFromConfig(ctx context.Context, cfg *Config, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.EnableCargoShip {
		opts = append([]Option{WithUploader(newCargoUploader(client, cfg))}, opts...)
	}
	return New(client, cfg, opts...), nil
}

// cargoUploader keeps one transporter per bucket.
type cargoUploader struct {
	client *s3.Client
	cfg    *Config
	logger *slog.Logger

	mu           sync.Mutex
	transporters map[string]*cargoships3.Transporter
}

func newCargoUploader(client *s3.Client, cfg *Config) *cargoUploader {
	return &cargoUploader{
		client:       client,
		cfg:          cfg,
		logger:       slog.Default().With("component", "s3-cargoship"),
		transporters: make(map[string]*cargoships3.Transporter),
	}
}

func (u *cargoUploader) transporter(bucket string) *cargoships3.Transporter {
	u.mu.Lock()
	defer u.mu.Unlock()

	if t, ok := u.transporters[bucket]; ok {
		return t
	}
	t := cargoships3.NewTransporter(u.client, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       lookupStorageClass(u.cfg.StorageClass).cargo,
		MultipartThreshold: u.cfg.MultipartThreshold,
		MultipartChunkSize: u.cfg.MultipartChunkSize,
		Concurrency:        u.cfg.Concurrency,
	})
	u.transporters[bucket] = t
	return t
}

func (u *cargoUploader) Upload(ctx context.Context, bucket, key string, data []byte, storageClass string) error {
	result, err := u.transporter(bucket).Upload(ctx, cargoships3.Archive{
		Key:          key,
		Reader:       bytes.NewReader(data),
		Size:         int64(len(data)),
		StorageClass: lookupStorageClass(storageClass).cargo,
		Metadata: map[string]string{
			"vfile-upload": "true",
			"content-type": detectContentType(key),
		},
	})
	if err != nil {
		return err
	}
	u.logger.Debug("cargoship upload completed",
		"bucket", bucket,
		"key", key,
		"size", len(data),
		"throughput", result.Throughput,
		"duration", result.Duration)
	return nil
}
