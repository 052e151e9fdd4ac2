package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// HTTPPager posts incidents as JSON. Transport errors and 5xx responses
// are retried with exponential backoff; 4xx responses are not.
type HTTPPager struct {
	url      string
	client   *http.Client
	maxTries uint
	backOff  func() backoff.BackOff
}

// PagerOption configures an HTTPPager.
type PagerOption func(*HTTPPager)

// WithMaxTries bounds delivery attempts.
func WithMaxTries(n uint) PagerOption {
	return func(p *HTTPPager) { p.maxTries = n }
}

// WithBackOff replaces the retry schedule.
func WithBackOff(b func() backoff.BackOff) PagerOption {
	return func(p *HTTPPager) { p.backOff = b }
}

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) PagerOption {
	return func(p *HTTPPager) { p.client = c }
}

// NewHTTPPager creates a pager posting to url.
func NewHTTPPager(url string, opts ...PagerOption) *HTTPPager {
	p := &HTTPPager{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		maxTries: 5,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPPager) Page(ctx context.Context, inc Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("pager: encode incident: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.post(ctx, body)
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(p.maxTries))
	if err != nil {
		return fmt.Errorf("pager: %w", err)
	}
	return nil
}

func (p *HTTPPager) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("paging endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return backoff.Permanent(fmt.Errorf("paging endpoint rejected incident: %d", resp.StatusCode))
	}
	return nil
}

// LogPager writes incidents to the log. It is used when no paging endpoint
// is configured.
type LogPager struct {
	Logger *slog.Logger
}

func (p LogPager) Page(ctx context.Context, inc Incident) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "incident",
		"incident_key", inc.IncidentKey,
		"route", inc.Route,
		"description", inc.Description,
		"action_admin_url", inc.Details.ActionAdminURL,
	)
	return nil
}
