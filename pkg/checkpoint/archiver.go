package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/constitutional-ledger/core/pkg/merkle"
)

// Bundle is what an Archiver persists off-process: a checkpoint plus
// every inclusion proof an observer might need to verify a leaf against
// it without re-deriving the tree.
type Bundle struct {
	Checkpoint Checkpoint              `json:"checkpoint"`
	Proofs     []merkle.InclusionProof `json:"proofs"`
}

// Archiver persists a checkpoint bundle to durable, independently
// operated storage so an observer's verification does not depend on
// this process continuing to run. Two interchangeable backends are
// provided (S3, GCS).
type Archiver interface {
	Archive(ctx context.Context, bundle Bundle) error
	Fetch(ctx context.Context, checkpointID string) (Bundle, error)
}

func bundleKey(prefix, checkpointID string) string {
	return prefix + checkpointID + ".json"
}

// S3Archiver persists checkpoint bundles to an S3 bucket (or an
// S3-compatible endpoint such as MinIO/LocalStack).
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig configures S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Archiver builds an Archiver backed by S3.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, bundle Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal bundle: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(bundleKey(a.prefix, bundle.Checkpoint.CheckpointID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: s3 put failed: %w", err)
	}
	return nil
}

func (a *S3Archiver) Fetch(ctx context.Context, checkpointID string) (Bundle, error) {
	result, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(bundleKey(a.prefix, checkpointID)),
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("checkpoint: s3 get failed for %s: %w", checkpointID, err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return Bundle{}, fmt.Errorf("checkpoint: read s3 body: %w", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("checkpoint: unmarshal bundle: %w", err)
	}
	return bundle, nil
}

// GCSArchiver persists checkpoint bundles to a Google Cloud Storage
// bucket, authenticating via application-default credentials.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiverConfig configures GCSArchiver.
type GCSArchiverConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchiver builds an Archiver backed by GCS.
func NewGCSArchiver(ctx context.Context, cfg GCSArchiverConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchiver) Archive(ctx context.Context, bundle Bundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal bundle: %w", err)
	}

	w := a.client.Bucket(a.bucket).Object(bundleKey(a.prefix, bundle.Checkpoint.CheckpointID)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("checkpoint: gcs write failed: %w", err)
	}
	return w.Close()
}

func (a *GCSArchiver) Fetch(ctx context.Context, checkpointID string) (Bundle, error) {
	r, err := a.client.Bucket(a.bucket).Object(bundleKey(a.prefix, checkpointID)).NewReader(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("checkpoint: gcs read failed for %s: %w", checkpointID, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return Bundle{}, fmt.Errorf("checkpoint: read gcs body: %w", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return Bundle{}, fmt.Errorf("checkpoint: unmarshal bundle: %w", err)
	}
	return bundle, nil
}

// MemoryArchiver is the reference Archiver used by tests.
type MemoryArchiver struct {
	bundles map[string]Bundle
}

func NewMemoryArchiver() *MemoryArchiver {
	return &MemoryArchiver{bundles: make(map[string]Bundle)}
}

func (a *MemoryArchiver) Archive(_ context.Context, bundle Bundle) error {
	a.bundles[bundle.Checkpoint.CheckpointID] = bundle
	return nil
}

func (a *MemoryArchiver) Fetch(_ context.Context, checkpointID string) (Bundle, error) {
	b, ok := a.bundles[checkpointID]
	if !ok {
		return Bundle{}, ErrNotFound
	}
	return b, nil
}

var (
	_ Archiver = (*S3Archiver)(nil)
	_ Archiver = (*GCSArchiver)(nil)
	_ Archiver = (*MemoryArchiver)(nil)
)
