// Package monitor reports the health of the action log. It only reads the
// store and writes the resulting gauges to every configured sink.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// Delayed status labels.
const (
	DelayedUnsent           = "unsent"
	DelayedAwaitingCallback = "awaiting_callback"
)

// Snapshot is one reading of every gauge.
type Snapshot struct {
	At                    time.Time
	Waiting               map[actionlog.Origin]int
	Failed                map[actionlog.Origin]int
	Delayed               map[string]int
	OldestWaitingAgeHours map[actionlog.Origin]float64
}

// Sink receives snapshots.
type Sink interface {
	Name() string
	Write(ctx context.Context, s Snapshot) error
}

// Reconciler computes snapshots from the store.
type Reconciler struct {
	store  actionlog.Store
	sinks  []Sink
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithSinks adds sinks.
func WithSinks(sinks ...Sink) Option {
	return func(r *Reconciler) { r.sinks = append(r.sinks, sinks...) }
}

// New creates a reconciler. grace is the age after which a WAITING action
// counts as delayed.
func New(store actionlog.Store, grace time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		grace:  grace,
		now:    time.Now,
		logger: slog.Default().With("component", "monitor"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var origins = []actionlog.Origin{actionlog.OriginAutomatic, actionlog.OriginManual}

// CountByState counts actions in state, optionally limited to one origin.
func (r *Reconciler) CountByState(ctx context.Context, state actionlog.State, origin *actionlog.Origin) (int, error) {
	f := actionlog.Filter{States: []actionlog.State{state}}
	if origin != nil {
		f.Origin = *origin
	}
	return r.store.Count(ctx, f)
}

// AgeOfOldestWaiting returns how long the oldest WAITING action has been
// waiting, or zero when nothing waits.
func (r *Reconciler) AgeOfOldestWaiting(ctx context.Context, origin *actionlog.Origin) (time.Duration, error) {
	f := actionlog.Filter{States: []actionlog.State{actionlog.StateWaiting}, Limit: 1}
	if origin != nil {
		f.Origin = *origin
	}
	oldest, err := r.store.List(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	age := r.now().Sub(oldest[0].CreatedAt)
	if age < 0 {
		return 0, nil
	}
	return age, nil
}

// CountDelayed counts WAITING actions older than the grace period, split
// into never delivered and delivered but without a callback.
func (r *Reconciler) CountDelayed(ctx context.Context) (map[string]int, error) {
	cutoff := r.now().Add(-r.grace)
	waiting := []actionlog.State{actionlog.StateWaiting}
	total, err := r.store.Count(ctx, actionlog.Filter{States: waiting, CreatedBefore: cutoff})
	if err != nil {
		return nil, err
	}
	unsent, err := r.store.Count(ctx, actionlog.Filter{States: waiting, CreatedBefore: cutoff, Unsent: true})
	if err != nil {
		return nil, err
	}
	return map[string]int{
		DelayedUnsent:           unsent,
		DelayedAwaitingCallback: total - unsent,
	}, nil
}

// Snapshot reads every gauge.
func (r *Reconciler) Snapshot(ctx context.Context) (Snapshot, error) {
	s := Snapshot{
		At:                    r.now().UTC(),
		Waiting:               make(map[actionlog.Origin]int, len(origins)),
		Failed:                make(map[actionlog.Origin]int, len(origins)),
		OldestWaitingAgeHours: make(map[actionlog.Origin]float64, len(origins)),
	}
	for _, o := range origins {
		n, err := r.CountByState(ctx, actionlog.StateWaiting, &o)
		if err != nil {
			return Snapshot{}, fmt.Errorf("monitor: count waiting: %w", err)
		}
		s.Waiting[o] = n

		if n, err = r.CountByState(ctx, actionlog.StateFailed, &o); err != nil {
			return Snapshot{}, fmt.Errorf("monitor: count failed: %w", err)
		}
		s.Failed[o] = n

		age, err := r.AgeOfOldestWaiting(ctx, &o)
		if err != nil {
			return Snapshot{}, fmt.Errorf("monitor: oldest waiting: %w", err)
		}
		s.OldestWaitingAgeHours[o] = age.Hours()
	}

	delayed, err := r.CountDelayed(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitor: count delayed: %w", err)
	}
	s.Delayed = delayed
	return s, nil
}

// Push takes one snapshot and writes it to every sink. A failing sink does
// not stop the others; their errors are joined.
func (r *Reconciler) Push(ctx context.Context) (Snapshot, error) {
	s, err := r.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	var errs []error
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, s); err != nil {
			r.logger.Error("metrics sink write failed", "sink", sink.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	r.logger.Info("gauges pushed",
		"waiting_automatic", s.Waiting[actionlog.OriginAutomatic],
		"failed_automatic", s.Failed[actionlog.OriginAutomatic],
		"delayed_unsent", s.Delayed[DelayedUnsent],
		"sinks", len(r.sinks),
	)
	return s, errors.Join(errs...)
}
