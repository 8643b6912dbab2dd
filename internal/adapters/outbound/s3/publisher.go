// Package s3 publishes bad-debt reports as JSON objects in S3, one object per
// protocol instance, overwritten on every publish.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// s3PutAPI defines the subset of S3 operations needed by the Publisher.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that Publisher implements outbound.ReportPublisher
var _ outbound.ReportPublisher = (*Publisher)(nil)

// Config holds configuration for the report publisher.
type Config struct {
	Bucket string

	// Prefix is prepended to every key, e.g. "bad-debt/".
	Prefix string

	// Gzip stores the body gzip-compressed with Content-Encoding: gzip.
	Gzip bool

	Retry  retry.Config
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
		},
		Logger: slog.Default(),
	}
}

// Publisher implements outbound.ReportPublisher using the AWS SDK.
type Publisher struct {
	client s3PutAPI
	config Config
	logger *slog.Logger
}

// NewPublisher creates a publisher from an AWS config.
func NewPublisher(awsCfg aws.Config, config Config) (*Publisher, error) {
	return NewPublisherWithHTTPClient(awsCfg, nil, config)
}

// NewPublisherWithHTTPClient creates a publisher with a custom HTTP client.
func NewPublisherWithHTTPClient(awsCfg aws.Config, httpClient *http.Client, config Config) (*Publisher, error) {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if httpClient != nil {
			o.HTTPClient = httpClient
		}
	})
	return newPublisher(client, config)
}

func newPublisher(client s3PutAPI, config Config) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	defaults := ConfigDefaults()
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Publisher{
		client: client,
		config: config,
		logger: config.Logger.With("component", "s3-publisher"),
	}, nil
}

// Key returns the object key for name.
func (p *Publisher) Key(name string) string {
	return p.config.Prefix + strings.ToLower(name) + ".json"
}

// Publish overwrites the report object for name.
func (p *Publisher) Publish(ctx context.Context, name string, report *entity.Report) error {
	if report == nil {
		return errors.New("report cannot be nil")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	body, contentEncoding, err := p.prepareBody(data)
	if err != nil {
		return err
	}

	key := p.Key(name)
	onRetry := func(attempt int, err error, backoff time.Duration) {
		p.logger.Warn("S3 put failed, retrying", "key", key, "attempt", attempt, "backoff", backoff, "error", err)
	}
	err = retry.DoVoid(ctx, p.config.Retry, isRetryable, onRetry, func() error {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(p.config.Bucket),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/json"),
			ContentEncoding: contentEncoding,
			CacheControl:    aws.String("no-cache"),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write report to S3: %w", err)
	}

	p.logger.Info("report published", "bucket", p.config.Bucket, "key", key, "block", report.Block, "users", len(report.Users))
	return nil
}

// prepareBody handles optional gzip compression for the upload body.
func (p *Publisher) prepareBody(data []byte) ([]byte, *string, error) {
	if !p.config.Gzip {
		return data, nil, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzWriter, bytes.NewReader(data)); err != nil {
		return nil, nil, fmt.Errorf("failed to compress content: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), aws.String("gzip"), nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
