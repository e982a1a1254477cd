// Package transport is the HTTP client that ships compressed payloads
// to the Longhouse ingest endpoint and performs health checks.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cipher982/longhouse-shipper/internal/config"
	"github.com/cipher982/longhouse-shipper/internal/logger"
)

// Outcome classifies the result of a ship attempt.
type Outcome int

const (
	// OutcomeOK means the payload was accepted.
	OutcomeOK Outcome = iota
	// OutcomeRateLimited means 429 retries were exhausted.
	OutcomeRateLimited
	// OutcomeServerError means the server returned 5xx.
	OutcomeServerError
	// OutcomeClientError means the server returned 4xx (not 429) — the
	// payload itself is bad, don't spool it for retry.
	OutcomeClientError
	// OutcomeConnectError means the request never reached the server
	// (DNS, timeout, connection refused).
	OutcomeConnectError
)

// ShipResult is the outcome of a single ship attempt.
type ShipResult struct {
	Outcome    Outcome
	StatusCode int
	Body       json.RawMessage
	Message    string
}

// Client is an HTTP client with connection pooling and built-in 429
// retry handling, bound to one ingest endpoint.
type Client struct {
	http          *http.Client
	ingestURL     string
	healthURL     string
	apiToken      string
	maxRetries429 int
	baseBackoff   float64
	contentEncoding string
}

// NewClient builds a Client from a resolved Config.
func NewClient(cfg config.Config) *Client {
	ingestURL := strings.TrimRight(cfg.APIURL, "/") + "/api/agents/ingest"
	healthURL := strings.TrimRight(cfg.APIURL, "/") + "/api/health"

	encoding := cfg.CompressionAlgo
	if encoding == "" {
		encoding = "gzip"
	}

	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
		ingestURL:       ingestURL,
		healthURL:       healthURL,
		apiToken:        cfg.APIToken,
		maxRetries429:   cfg.MaxRetries429,
		baseBackoff:     cfg.BaseBackoffSeconds,
		contentEncoding: encoding,
	}
}

// IngestURL returns the resolved ingest endpoint, for logging.
func (c *Client) IngestURL() string {
	return c.ingestURL
}

// Ship POSTs a compressed payload, retrying internally on 429 with
// Retry-After (or doubling backoff as a fallback) until max_retries_429
// is exhausted.
func (c *Client) Ship(ctx context.Context, compressed []byte) ShipResult {
	retries := 0
	backoff := c.baseBackoff

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestURL, bytes.NewReader(compressed))
		if err != nil {
			return ShipResult{Outcome: OutcomeConnectError, Message: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", c.contentEncoding)
		if c.apiToken != "" {
			req.Header.Set("X-Agents-Token", c.apiToken)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return ShipResult{Outcome: OutcomeConnectError, Message: err.Error()}
		}

		status := resp.StatusCode
		switch {
		case status >= 200 && status <= 299:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return ShipResult{Outcome: OutcomeOK, StatusCode: status, Body: json.RawMessage(body)}

		case status == http.StatusTooManyRequests:
			resp.Body.Close()
			if retries >= c.maxRetries429 {
				logger.Warn("rate limited after retries, giving up", "retries", retries)
				return ShipResult{Outcome: OutcomeRateLimited, StatusCode: status}
			}

			wait := backoff
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if secs, err := strconv.ParseFloat(retryAfter, 64); err == nil {
					wait = secs
				}
			}

			logger.Info("rate limited, backing off", "retry", retries+1, "max_retries", c.maxRetries429, "wait_seconds", wait)
			select {
			case <-ctx.Done():
				return ShipResult{Outcome: OutcomeConnectError, Message: ctx.Err().Error()}
			case <-time.After(time.Duration(wait * float64(time.Second))):
			}
			retries++
			backoff *= 2.0

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return ShipResult{Outcome: OutcomeClientError, StatusCode: status, Message: string(body)}

		case status >= 400 && status <= 499:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return ShipResult{Outcome: OutcomeClientError, StatusCode: status, Message: string(body)}

		case status >= 500 && status <= 599:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return ShipResult{Outcome: OutcomeServerError, StatusCode: status, Message: string(body)}

		default:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return ShipResult{Outcome: OutcomeClientError, StatusCode: status, Message: string(body)}
		}
	}
}

// PostJSON POSTs a JSON body to a path under the configured API base
// (e.g. "/api/agents/heartbeat"), best-effort — used for heartbeats
// where delivery failure shouldn't block the daemon.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) error {
	base := strings.TrimSuffix(c.ingestURL, "/api/agents/ingest")
	url := base + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("X-Agents-Token", c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned HTTP %d", path, resp.StatusCode)
	}
	return nil
}

// HealthCheck reports whether the ingest API is reachable.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return false, fmt.Errorf("building health check request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
