// Package sns implements the MonitoringSink interface using AWS SNS.
//
// Each cycle boundary event is published as a JSON message to a single
// topic. Message attributes allow subscribers to filter:
//   - type: always "Bad Debt"
//   - name: the protocol instance name
//   - status: "running", "success" or "error"
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/ports/outbound"
)

// Compile-time check that MonitoringSink implements outbound.MonitoringSink
var _ outbound.MonitoringSink = (*MonitoringSink)(nil)

// SNSPublisher defines the subset of SNS client methods used by MonitoringSink.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds configuration for the SNS monitoring sink.
type Config struct {
	TopicARN string

	// Retry governs transient publish failures. Set MaxRetries to 0 to
	// disable retries.
	Retry retry.Config

	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
		},
		Logger: slog.Default(),
	}
}

// MonitoringSink publishes monitoring events to AWS SNS.
type MonitoringSink struct {
	client    SNSPublisher
	config    Config
	logger    *slog.Logger
	closeOnce sync.Once
	closed    bool
	mu        sync.RWMutex
}

// NewMonitoringSink creates a new SNS monitoring sink.
func NewMonitoringSink(client SNSPublisher, config Config) (*MonitoringSink, error) {
	if client == nil {
		return nil, errors.New("sns client is required")
	}
	if config.TopicARN == "" {
		return nil, errors.New("topic ARN is required")
	}

	defaults := ConfigDefaults()
	if config.Retry == (retry.Config{}) {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &MonitoringSink{
		client: client,
		config: config,
		logger: config.Logger.With("component", "sns-monitoring"),
	}, nil
}

// Record publishes event to the topic.
func (s *MonitoringSink) Record(ctx context.Context, event entity.MonitoringEvent) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("monitoring sink is closed")
	}
	s.mu.RUnlock()

	if event.Type == "" {
		event.Type = entity.MonitoringType
	}

	messageBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(s.config.TopicARN),
		Message:  aws.String(string(messageBytes)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Type),
			},
			"name": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Name),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Status)),
			},
		},
	}

	onRetry := func(attempt int, err error, backoff time.Duration) {
		s.logger.Warn("request failed, retrying",
			"attempt", attempt,
			"maxRetries", s.config.Retry.MaxRetries,
			"backoff", backoff,
			"error", err,
			"name", event.Name,
			"status", event.Status,
		)
	}
	err = retry.DoVoid(ctx, s.config.Retry, isRetryableError, onRetry, func() error {
		_, err := s.client.Publish(ctx, input)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// isRetryableError determines if an error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Requests the topic rejects outright will fail again.
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return false
	}
	var invalidParam *types.InvalidParameterException
	if errors.As(err, &invalidParam) {
		return false
	}
	var authErr *types.AuthorizationErrorException
	if errors.As(err, &authErr) {
		return false
	}

	// Throttling, internal errors and network issues
	return true
}

// Close marks the sink as closed and prevents further publishing.
func (s *MonitoringSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.logger.Info("SNS monitoring sink closed")
	})
	return nil
}
