// Package store is the client side of the external FHIR store: idempotent
// PUT-by-id with bounded retry. The store itself is a black box; the loader
// relies only on stable (type, id) addressing and per-resource atomicity.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/fhirload/internal/fhir"
)

// Outcome is the store-visible effect of a successful put.
type Outcome string

const (
	// OutcomeCreated means the resource did not exist before (HTTP 201).
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means an existing resource was overwritten (HTTP 200).
	OutcomeUpdated Outcome = "updated"
)

// Config holds the connection settings for a FHIR store.
type Config struct {
	// BaseURL is the FHIR base, e.g. "https://fhir.example.org/fhir".
	BaseURL string
	// Username/Password enable HTTP basic auth when Username is non-empty.
	Username string
	Password string
	// Insecure skips TLS certificate verification.
	Insecure bool
	// Timeout bounds each individual request attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt for
	// transient failures. Zero disables retrying.
	MaxRetries int
	// RetryInterval is the initial backoff between retries. The interval
	// grows exponentially from here.
	RetryInterval time.Duration
}

// DefaultTimeout bounds a single put attempt when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// DefaultRetryInterval seeds the exponential backoff when unset.
const DefaultRetryInterval = 500 * time.Millisecond

// Client issues idempotent put-by-id requests against a FHIR store.
type Client struct {
	base    *url.URL
	cfg     Config
	httpc   *http.Client
	backoff func() backoff.BackOff
}

// Result reports a successful put and how many attempts it took.
type Result struct {
	Outcome  Outcome
	Attempts int
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("store base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &Client{
		base: base,
		cfg:  cfg,
		httpc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
	c.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.RetryInterval
		return backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
	}
	return c, nil
}

// PutByID writes the payload to {base}/{Type}/{ID}. Transient failures are
// retried with exponential backoff up to MaxRetries; validation failures are
// returned immediately. The returned error is a *TransientError (retries
// exhausted), a *ValidationError, or a context error.
func (c *Client) PutByID(ctx context.Context, target fhir.Identity, payload []byte) (Result, error) {
	attempts := 0
	var outcome Outcome

	operation := func() error {
		attempts++
		out, err := c.put(ctx, target, payload)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		outcome = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoff(), ctx)); err != nil {
		return Result{Attempts: attempts}, err
	}
	return Result{Outcome: outcome, Attempts: attempts}, nil
}

func (c *Client) put(ctx context.Context, target fhir.Identity, payload []byte) (Outcome, error) {
	endpoint := c.base.JoinPath(target.Type, target.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", target, err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("Accept", "application/fhir+json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		return OutcomeCreated, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeUpdated, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &TransientError{Status: resp.StatusCode}
	default:
		return "", &ValidationError{Status: resp.StatusCode, Body: readBodySnippet(resp.Body)}
	}
}

// readBodySnippet captures the start of an error response for diagnostics
// without holding an unbounded body in memory.
func readBodySnippet(r io.Reader) string {
	const limit = 512
	snippet, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(snippet))
}
