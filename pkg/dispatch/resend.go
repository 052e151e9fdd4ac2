package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/payload"
)

// ResendTTL is the fresh lifetime granted to a resent action.
const ResendTTL = time.Hour

// ResendStatus is the per-id outcome of a resend.
type ResendStatus string

const (
	ResendOK       ResendStatus = "resent"
	ResendNotFound ResendStatus = "not_found"
	ResendSkipped  ResendStatus = "skipped"
	ResendFailed   ResendStatus = "failed"
)

// ResendResult reports what happened to one requested id. Err is set when
// the action was reset but could not be delivered, or when the reset itself
// failed.
type ResendResult struct {
	ActionID string
	Status   ResendStatus
	Reason   string
	Err      error
}

// Resender puts actions back to WAITING and dispatches them again.
type Resender struct {
	store      actionlog.Store
	dispatcher *Dispatcher
	events     actionlog.EventSink
	now        func() time.Time
	logger     *slog.Logger
}

// ResendOption configures a Resender.
type ResendOption func(*Resender)

// WithResendClock overrides the clock used for fresh expirations. It
// defaults to the dispatcher's clock.
func WithResendClock(now func() time.Time) ResendOption {
	return func(r *Resender) { r.now = now }
}

// WithResendLogger sets the resender logger.
func WithResendLogger(l *slog.Logger) ResendOption {
	return func(r *Resender) { r.logger = l.With("component", "resender") }
}

// NewResender creates a resender. events may be nil.
func NewResender(store actionlog.Store, d *Dispatcher, events actionlog.EventSink, opts ...ResendOption) *Resender {
	r := &Resender{
		store:      store,
		dispatcher: d,
		events:     events,
		now:        d.now,
		logger:     slog.Default().With("component", "resender"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resend resets every known id to WAITING with a fresh expiration and
// dispatches it. Unknown ids are reported as not_found; SUCCESS actions are
// skipped. Repeated ids are handled once, at their first position. Resend
// never fails as a whole.
func (r *Resender) Resend(ctx context.Context, ids []string) []ResendResult {
	results := make([]ResendResult, 0, len(ids))
	var ready []*actionlog.Action
	index := make(map[string]int, len(ids))
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		a, res := r.reset(ctx, id)
		results = append(results, res)
		if a != nil {
			index[a.ID] = len(results) - 1
			ready = append(ready, a)
		}
	}

	for _, sent := range r.dispatcher.Send(ctx, ready) {
		if sent.Err != nil {
			results[index[sent.ActionID]].Err = sent.Err
		}
	}
	return results
}

func (r *Resender) reset(ctx context.Context, id string) (*actionlog.Action, ResendResult) {
	res := ResendResult{ActionID: id}
	var (
		next   actionlog.Action
		events []actionlog.Event
	)
	err := r.store.InTx(ctx, func(ctx context.Context, tx actionlog.Tx) error {
		events = nil
		a, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.State == actionlog.StateSuccess {
			res.Status, res.Reason = ResendSkipped, "action already succeeded"
			return nil
		}

		now := r.now().UTC()
		next = *a
		if a.State != actionlog.StateWaiting {
			next, events, err = actionlog.ApplyTransition(*a, actionlog.StateWaiting, "", now)
			if err != nil {
				return err
			}
		}
		next.ExpiresAt = now.Add(ResendTTL)
		next.UpdatedAt = now
		next.SentAt = nil

		body, err := refreshExpiration(a.Payload, next.ExpiresAt)
		if err != nil {
			return err
		}
		ok, err := tx.Transition(ctx, &next, a.State)
		if err != nil {
			return err
		}
		if !ok {
			res.Status, res.Reason = ResendSkipped, "action changed concurrently"
			return nil
		}
		if err := tx.SetPayload(ctx, id, body, next.ExpiresAt, now); err != nil {
			return err
		}
		next.Payload = body
		res.Status = ResendOK
		return nil
	})

	switch {
	case errors.Is(err, actionlog.ErrNotFound):
		res.Status, res.Reason = ResendNotFound, "not found"
		return nil, res
	case err != nil:
		r.logger.Error("resend failed", "action_id", id, "error", err)
		res.Status, res.Err = ResendFailed, err
		return nil, res
	case res.Status != ResendOK:
		r.logger.Info("resend skipped", "action_id", id, "reason", res.Reason)
		return nil, res
	}

	if r.events != nil && len(events) > 0 {
		r.events.Handle(ctx, events)
	}
	r.logger.Info("action reset for resend", "action_id", id, "expires_at", next.ExpiresAt)
	return &next, res
}

// refreshExpiration rewrites expiration_dt of a stored envelope.
func refreshExpiration(raw []byte, expiresAt time.Time) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("resend: %w", ErrNoPayload)
	}
	env, err := payload.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("resend: %w", err)
	}
	env.ExpirationDT = expiresAt.UTC()
	return env.Encode()
}
