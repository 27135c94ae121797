// Package archive mirrors raw webhook payloads to object storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sentinel/internal/models"
)

// Archiver stores a copy of a raw event outside the database.
type Archiver interface {
	Archive(ctx context.Context, ev *models.RawEvent) error
}

// Nop keeps nothing.
type Nop struct{}

func (Nop) Archive(context.Context, *models.RawEvent) error { return nil }

// S3Config configures the S3 mirror.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
	Prefix    string
	Timeout   time.Duration
}

// S3 writes raw events as JSON objects.
type S3 struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3 creates an S3 mirror. No request is made until the first Archive call.
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3 credentials not available, set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "raw-events"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("endpoint", endpoint).Str("bucket", cfg.Bucket).Msg("Removed bucket name from S3 endpoint")
	}
	// Dotted bucket names break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Str("endpoint", endpoint).Bool("pathStyle", pathStyle).Msg("S3 raw event mirror initialized")
	return &S3{client: client, cfg: cfg}, nil
}

// Key returns the object key for a raw event: prefix/YYYY/MM/DD/source/<id>-<uuid>.json.
func Key(prefix string, ev *models.RawEvent) string {
	ts := ev.ReceivedTS.UTC()
	source := strings.NewReplacer("/", "_", " ", "_").Replace(ev.Source)
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s/%s/%s/%d-%s.json", strings.TrimRight(prefix, "/"), ts.Format("2006/01/02"), source, ev.ID, uuid.NewString())
}

// Archive uploads the payload.
func (a *S3) Archive(ctx context.Context, ev *models.RawEvent) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	key := Key(a.cfg.Prefix, ev)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ev.Payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"source":      ev.Source,
			"received-ts": ev.ReceivedTS.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Str("bucket", a.cfg.Bucket).Int("size", len(ev.Payload)).Msg("Failed to upload raw event to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().Str("key", key).Int("size", len(ev.Payload)).Msg("Raw event mirrored to S3")
	return nil
}
