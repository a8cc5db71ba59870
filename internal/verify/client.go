package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/treasury/internal/compliance"
	"github.com/terminal-bench/treasury/pkg/circuit"
)

// Result is the verification provider's answer for one
// (recipient, amount, source) triple.
type Result struct {
	KYCStatus             compliance.Status `json:"kyc_status"`
	AMLStatus             compliance.Status `json:"aml_status"`
	RiskScore             int               `json:"risk_score"`
	ExternalTransactionID string            `json:"external_transaction_id"`
}

// Client calls the external KYC/AML verification provider. Responses are
// cached in redis keyed on the screened triple, and the downstream call is
// guarded by a circuit breaker.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *redis.Client
	ttl     time.Duration
	breaker *circuit.Breaker
}

// Config holds verification client configuration.
type Config struct {
	BaseURL     string
	HTTPTimeout time.Duration
	Cache       *redis.Client // nil disables caching
	CacheTTL    time.Duration
	MaxFailures int
	OpenTimeout time.Duration
}

// NewClient creates a verification client.
func NewClient(cfg Config) *Client {
	timeout := cfg.HTTPTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		cache:   cfg.Cache,
		ttl:     ttl,
		breaker: circuit.NewBreaker(circuit.Config{MaxFailures: maxFailures, Timeout: openTimeout}),
	}
}

func cacheKey(recipient string, amount decimal.Decimal, source compliance.Source) string {
	return fmt.Sprintf("verify:%s:%s:%s", source, recipient, amount.String())
}

// Screen returns the provider's verdict for a prospective movement,
// consulting the cache first.
func (c *Client) Screen(ctx context.Context, recipient string, amount decimal.Decimal, source compliance.Source) (*Result, error) {
	key := cacheKey(recipient, amount, source)

	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key).Result(); err == nil {
			var res Result
			if json.Unmarshal([]byte(cached), &res) == nil {
				return &res, nil
			}
		}
	}

	var res Result
	err := c.breaker.Execute(ctx, func() error {
		body, err := json.Marshal(map[string]string{
			"recipient": recipient,
			"amount":    amount.String(),
			"source":    string(source),
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/screenings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("verification request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("verification provider returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&res)
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if payload, err := json.Marshal(res); err == nil {
			c.cache.Set(ctx, key, payload, c.ttl)
		}
	}
	return &res, nil
}

// Cleared reports whether a screening verdict permits execution. Rejected on
// either axis blocks; everything else passes through, since the core records
// statuses on the compliance ledger after the fact.
func (r *Result) Cleared() bool {
	return r.KYCStatus != compliance.StatusRejected && r.AMLStatus != compliance.StatusRejected
}
