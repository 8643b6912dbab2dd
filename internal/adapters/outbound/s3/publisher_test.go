package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/archon-research/stl/baddebt/internal/domain/entity"
	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/testutil"
)

type mockS3PutAPI struct {
	putObjectFunc func(ctx context.Context, params *s3.PutObjectInput) (*s3.PutObjectOutput, error)
	calls         []*s3.PutObjectInput
	bodies        [][]byte
}

func (m *mockS3PutAPI) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(params.Body)
	m.calls = append(m.calls, params)
	m.bodies = append(m.bodies, body)
	if m.putObjectFunc != nil {
		return m.putObjectFunc(ctx, params)
	}
	return &s3.PutObjectOutput{}, nil
}

var testReport = &entity.Report{
	Total:    "900000000000000000000",
	Updated:  1_700_000_000,
	Decimals: 18,
	Users:    []entity.BadDebtUser{{User: "0x2", BadDebt: "900000000000000000000"}},
	TVL:      "9100000000000000000000",
	Deposits: "10100000000000000000000",
	Borrows:  "1010000000000000000000",
	Block:    19_000_000,
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestNewPublisher_Validation(t *testing.T) {
	if _, err := newPublisher(nil, Config{Bucket: "b"}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := newPublisher(&mockS3PutAPI{}, Config{}); err == nil {
		t.Error("expected error for missing bucket")
	}
	if _, err := NewPublisher(aws.Config{Region: "us-east-1"}, Config{Bucket: "b"}); err != nil {
		t.Errorf("NewPublisher: %v", err)
	}
}

func TestPublish_WritesJSON(t *testing.T) {
	client := &mockS3PutAPI{}
	p, err := newPublisher(client, Config{Bucket: "reports", Prefix: "bad-debt/", Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatalf("newPublisher: %v", err)
	}

	if err := p.Publish(context.Background(), "Venus", testReport); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(client.calls) != 1 {
		t.Fatalf("expected 1 put, got %d", len(client.calls))
	}
	call := client.calls[0]
	if aws.ToString(call.Bucket) != "reports" || aws.ToString(call.Key) != "bad-debt/venus.json" {
		t.Errorf("put to %s/%s", aws.ToString(call.Bucket), aws.ToString(call.Key))
	}
	if aws.ToString(call.ContentType) != "application/json" {
		t.Errorf("content type = %s", aws.ToString(call.ContentType))
	}
	if call.ContentEncoding != nil {
		t.Errorf("unexpected content encoding %s", aws.ToString(call.ContentEncoding))
	}

	var decoded map[string]any
	if err := json.Unmarshal(client.bodies[0], &decoded); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	for _, field := range []string{"total", "updated", "decimals", "users", "tvl", "deposits", "borrows"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing field %s", field)
		}
	}
	if _, ok := decoded["Block"]; ok {
		t.Error("block must not be published")
	}
}

func TestPublish_Gzip(t *testing.T) {
	client := &mockS3PutAPI{}
	p, _ := newPublisher(client, Config{Bucket: "reports", Gzip: true, Logger: testutil.DiscardLogger()})

	if err := p.Publish(context.Background(), "ionic", testReport); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if aws.ToString(client.calls[0].ContentEncoding) != "gzip" {
		t.Errorf("content encoding = %s", aws.ToString(client.calls[0].ContentEncoding))
	}

	gz, err := gzip.NewReader(bytes.NewReader(client.bodies[0]))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var report entity.Report
	if err := json.NewDecoder(gz).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Total != testReport.Total {
		t.Errorf("total = %s", report.Total)
	}
}

func TestPublish_RetriesThenFails(t *testing.T) {
	client := &mockS3PutAPI{
		putObjectFunc: func(ctx context.Context, params *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
			return nil, errors.New("connection reset")
		},
	}
	p, _ := newPublisher(client, Config{Bucket: "reports", Retry: fastRetry(), Logger: testutil.DiscardLogger()})

	err := p.Publish(context.Background(), "cream", testReport)
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if len(client.calls) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(client.calls))
	}
	// Every attempt sends the full body.
	for i, body := range client.bodies {
		if len(body) == 0 {
			t.Errorf("attempt %d sent an empty body", i)
		}
	}
}

func TestPublish_NilReport(t *testing.T) {
	p, _ := newPublisher(&mockS3PutAPI{}, Config{Bucket: "reports"})
	if err := p.Publish(context.Background(), "x", nil); err == nil {
		t.Error("expected error for nil report")
	}
}
