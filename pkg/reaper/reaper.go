// Package reaper aborts actions whose worker never called back before
// they expired. An expiration is not a confirmed failure, so nothing the
// reaper does ever pages.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// Reaper moves expired WAITING actions to ABORTED.
type Reaper struct {
	store     actionlog.Store
	now       func() time.Time
	batchSize int
	logger    *slog.Logger
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithBatchSize bounds the actions loaded per query.
func WithBatchSize(n int) Option {
	return func(r *Reaper) { r.batchSize = n }
}

func New(store actionlog.Store, opts ...Option) *Reaper {
	r := &Reaper{
		store:     store,
		now:       time.Now,
		batchSize: 500,
		logger:    slog.Default().With("component", "reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reap aborts every WAITING action with expires_at before now and returns
// how many it aborted. Actions that left WAITING concurrently are skipped.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.now().UTC()
	aborted := 0
	for {
		batch, err := r.store.List(ctx, actionlog.Filter{
			States:        []actionlog.State{actionlog.StateWaiting},
			ExpiresBefore: now,
			Limit:         r.batchSize,
		})
		if err != nil {
			return aborted, fmt.Errorf("reaper: list expired: %w", err)
		}

		n, err := r.abort(ctx, batch, now)
		aborted += n
		if err != nil {
			return aborted, err
		}
		if n == 0 || len(batch) < r.batchSize {
			return aborted, nil
		}
	}
}

func (r *Reaper) abort(ctx context.Context, batch []*actionlog.Action, now time.Time) (int, error) {
	n := 0
	for _, a := range batch {
		next, _, err := actionlog.ApplyTransition(*a, actionlog.StateAborted, "expired without callback", now)
		if err != nil {
			return n, err
		}
		ok, err := r.store.Transition(ctx, &next, actionlog.StateWaiting)
		if err != nil {
			return n, fmt.Errorf("reaper: abort %s: %w", a.ID, err)
		}
		if !ok {
			r.logger.Debug("action left WAITING before abort", "action_id", a.ID)
			continue
		}
		n++
		r.logger.Info("action expired", "action_id", a.ID, "kind", a.Kind, "expires_at", a.ExpiresAt)
	}
	return n, nil
}
