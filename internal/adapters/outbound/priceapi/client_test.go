package priceapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/archon-research/stl/baddebt/internal/pkg/retry"
	"github.com/archon-research/stl/baddebt/internal/testutil"
)

var dai = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

func TestClient_Price(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected string
		wantErr  bool
	}{
		{name: "number", status: http.StatusOK, body: `{"priceUSD": 0.9998}`, expected: "0.9998"},
		{name: "numeric string", status: http.StatusOK, body: `{"priceUSD": "1.0001"}`, expected: "1.0001"},
		{name: "missing price is zero", status: http.StatusOK, body: `{}`, expected: "0"},
		{name: "null price is zero", status: http.StatusOK, body: `{"priceUSD": null}`, expected: "0"},
		{name: "malformed payload", status: http.StatusOK, body: `{"priceUSD": [1]}`, wantErr: true},
		{name: "not found", status: http.StatusNotFound, body: `not found`, wantErr: true},
		{name: "server error", status: http.StatusBadGateway, body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/price" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.URL.Query().Get("network"); got != "ETH" {
					t.Errorf("network = %s", got)
				}
				if got := r.URL.Query().Get("tokenAddress"); got != dai.Hex() {
					t.Errorf("tokenAddress = %s", got)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewClient(Config{
				BaseURL: server.URL,
				Retry:   retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
				Logger:  testutil.DiscardLogger(),
			})
			if err != nil {
				t.Fatalf("NewClient: %v", err)
			}

			price, err := client.Price(context.Background(), "ETH", dai)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Price() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !price.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("Price() = %s, want %s", price, tt.expected)
			}
		})
	}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "not a url"}); err == nil {
		t.Error("expected error for invalid base URL")
	}
}
