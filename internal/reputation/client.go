// Package reputation queries an optional IP reputation service. Every failure
// path yields a neutral verdict.
package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Verdict struct {
	Checked bool
	Score   float64
	Risky   bool
	Reason  string
}

type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	RiskThreshold     float64
}

type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(opts Options, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.RequestsPerSecond)
	}
	if opts.RiskThreshold <= 0 {
		opts.RiskThreshold = 0.8
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		log:     log.With().Str("component", "reputation").Logger(),
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.opts.BaseURL != ""
}

type lookupResponse struct {
	Score  float64 `json:"score"`
	Risky  bool    `json:"risky"`
	Reason string  `json:"reason"`
}

var errThrottled = errors.New("reputation lookups throttled")

// Check looks ip up within the configured timeout. Lookups over the local
// request budget are skipped rather than queued.
func (c *Client) Check(ctx context.Context, ip string) Verdict {
	if !c.Enabled() || ip == "" {
		return Verdict{}
	}
	if !c.limiter.Allow() {
		c.log.Debug().Err(errThrottled).Str("ip", ip).Msg("skipping reputation lookup")
		return Verdict{}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + "/v1/ip/" + url.PathEscape(ip)

	var out lookupResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}
		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 500 {
			return fmt.Errorf("reputation service returned %d", res.StatusCode)
		}
		if res.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("reputation service returned %d", res.StatusCode))
		}
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxElapsedTime = c.opts.Timeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)); err != nil {
		c.log.Warn().Err(err).Str("ip", ip).Msg("reputation lookup failed, treating address as not risky")
		return Verdict{}
	}

	return Verdict{
		Checked: true,
		Score:   out.Score,
		Risky:   out.Risky || out.Score >= c.opts.RiskThreshold,
		Reason:  out.Reason,
	}
}
