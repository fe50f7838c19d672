package coldstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"pointscan/internal/models"
)

// Chunk metadata travels as S3 user metadata so Head can answer sample_count
// and size questions without downloading the object.
const (
	metaSampleCount    = "sample_count"
	metaCompressedSize = "compressed_size"
	metaOriginalSize   = "original_size"
	metaCreatedAt      = "created_at"
)

// S3Config configures the cold-tier bucket. Endpoint is optional and covers
// S3-compatible stores (MinIO, R2); Key/Secret fall back to the default AWS
// credential chain when empty.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Key      string
	Secret   string
}

// S3Store stores daily chunks in an S3 bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds the S3 client. Chunks are small (one day of one site), so
// plain PutObject is sufficient; no multipart manager needed.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("coldstore: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Key != "" && cfg.Secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("coldstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, meta models.ChunkMeta) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
		Metadata: map[string]string{
			metaSampleCount:    strconv.Itoa(meta.SampleCount),
			metaCompressedSize: strconv.FormatInt(meta.CompressedSize, 10),
			metaOriginalSize:   strconv.FormatInt(meta.OriginalSize, 10),
			metaCreatedAt:      meta.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("coldstore: put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("coldstore: get %s: %w", key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("coldstore: read %s: %w", key, err)
	}
	return body, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (models.ChunkMeta, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return models.ChunkMeta{}, ErrNotFound
		}
		return models.ChunkMeta{}, fmt.Errorf("coldstore: head %s: %w", key, err)
	}
	return metaFromHeaders(out.Metadata), nil
}

func metaFromHeaders(m map[string]string) models.ChunkMeta {
	var meta models.ChunkMeta
	if v, err := strconv.Atoi(m[metaSampleCount]); err == nil {
		meta.SampleCount = v
	}
	if v, err := strconv.ParseInt(m[metaCompressedSize], 10, 64); err == nil {
		meta.CompressedSize = v
	}
	if v, err := strconv.ParseInt(m[metaOriginalSize], 10, 64); err == nil {
		meta.OriginalSize = v
	}
	if t, err := time.Parse(time.RFC3339, m[metaCreatedAt]); err == nil {
		meta.CreatedAt = t
	}
	return meta
}

func isNoSuchKey(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}
