// Package dispatch delivers action envelopes to the external execution
// worker. A failed delivery never changes the action state: the action
// stays WAITING and is picked up again by the delayed sweep or expires.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/signing"
)

var (
	ErrNotWaiting = errors.New("action is not waiting")
	ErrNoPayload  = errors.New("action has no payload")
	ErrExpired    = errors.New("action expired before dispatch")
)

// DispatchError reports a failed delivery to the worker.
type DispatchError struct {
	ActionID   string
	StatusCode int
	Cause      error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s: worker returned %d: %v", e.ActionID, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("dispatch %s: %v", e.ActionID, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// Config holds dispatcher settings.
type Config struct {
	WorkerURL string
	// Timeout bounds a single worker request.
	Timeout time.Duration
	// Grace is how long an unsent action may wait before the delayed sweep picks it up.
	Grace time.Duration
	// RPS limits outbound requests per second. Zero disables the limit.
	RPS float64
	// Concurrency bounds in-flight requests.
	Concurrency int
	// BatchSize bounds the actions loaded by one delayed sweep.
	BatchSize int
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Result is the outcome of sending one action.
type Result struct {
	ActionID string
	Err      error
}

// Dispatcher sends actions to the worker.
type Dispatcher struct {
	store   actionlog.Store
	signer  *signing.Signer
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config
	now     func() time.Time
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the HTTP client. Its timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher.
func New(store actionlog.Store, signer *signing.Signer, cfg Config, opts ...Option) *Dispatcher {
	cfg.defaults()
	limit := rate.Inf
	burst := 1
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		burst = max(1, int(cfg.RPS))
	}
	d := &Dispatcher{
		store:   store,
		signer:  signer,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		now:     time.Now,
		tracer:  otel.Tracer("actiond/dispatch"),
		logger:  slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers actions concurrently and returns one result per action in
// input order. Delivered actions are marked sent; failures are logged and
// leave the action untouched.
func (d *Dispatcher) Send(ctx context.Context, actions []*actionlog.Action) []Result {
	results := make([]Result, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, a := range actions {
		g.Go(func() error {
			results[i] = Result{ActionID: a.ID, Err: d.sendOne(gctx, a)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, a *actionlog.Action) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("action.id", a.ID),
		attribute.String("action.kind", string(a.Kind)),
	))
	defer span.End()

	err := d.deliver(ctx, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("dispatch failed", "action_id", a.ID, "kind", a.Kind, "error", err)
		return err
	}

	if err := d.store.MarkSent(ctx, a.ID, d.now().UTC()); err != nil {
		d.logger.Error("failed to mark action sent", "action_id", a.ID, "error", err)
		return fmt.Errorf("dispatch %s: mark sent: %w", a.ID, err)
	}
	d.logger.Debug("action dispatched", "action_id", a.ID, "kind", a.Kind)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, a *actionlog.Action) error {
	switch {
	case a.State != actionlog.StateWaiting:
		return &DispatchError{ActionID: a.ID, Cause: fmt.Errorf("%w: %s", ErrNotWaiting, a.State)}
	case len(a.Payload) == 0:
		return &DispatchError{ActionID: a.ID, Cause: ErrNoPayload}
	case a.Expired(d.now()):
		return &DispatchError{ActionID: a.ID, Cause: ErrExpired}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return &DispatchError{ActionID: a.ID, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WorkerURL, bytes.NewReader(a.Payload))
	if err != nil {
		return &DispatchError{ActionID: a.ID, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := d.signer.SignRequest(req, a.ID, a.Payload); err != nil {
		return &DispatchError{ActionID: a.ID, Cause: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &DispatchError{ActionID: a.ID, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DispatchError{
			ActionID:   a.ID,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%s", bytes.TrimSpace(body)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// SweepResult summarizes a delayed sweep.
type SweepResult struct {
	Found  int `json:"found"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// SendDelayed sends WAITING actions that were never delivered and are
// older than the grace period. Individual failures are counted and logged;
// only a failure to query the backlog is returned.
func (d *Dispatcher) SendDelayed(ctx context.Context) (SweepResult, error) {
	backlog, err := d.store.List(ctx, actionlog.Filter{
		States:        []actionlog.State{actionlog.StateWaiting},
		Unsent:        true,
		CreatedBefore: d.now().Add(-d.cfg.Grace),
		Limit:         d.cfg.BatchSize,
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("dispatch: load backlog: %w", err)
	}

	var res SweepResult
	res.Found = len(backlog)
	for _, r := range d.Send(ctx, backlog) {
		if r.Err != nil {
			res.Failed++
			continue
		}
		res.Sent++
	}
	if res.Found > 0 {
		d.logger.Info("delayed sweep finished", "found", res.Found, "sent", res.Sent, "failed", res.Failed)
	}
	return res, nil
}
