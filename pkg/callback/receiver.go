// Package callback applies the outcome the execution worker reports for an
// action. A callback only ever moves an action out of WAITING; callbacks for
// actions that already finished are acknowledged and ignored.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

var (
	ErrCallbackAuth     = errors.New("callback: authentication failed")
	ErrCallbackNotFound = errors.New("callback: action not found")
	ErrInvalidOutcome   = errors.New("callback: invalid outcome")
)

// Outcome is the body the worker posts.
type Outcome struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// State maps the reported status to the terminal state it applies.
func (o Outcome) State() (actionlog.State, error) {
	switch strings.ToLower(o.Status) {
	case "success":
		return actionlog.StateSuccess, nil
	case "failure", "failed":
		return actionlog.StateFailed, nil
	}
	return "", fmt.Errorf("%w: status %q", ErrInvalidOutcome, o.Status)
}

// Detail is the message recorded with the transition.
func (o Outcome) Detail(to actionlog.State) string {
	if o.Error != "" {
		return o.Error
	}
	var data struct {
		Message string `json:"message"`
	}
	if len(o.Data) > 0 && json.Unmarshal(o.Data, &data) == nil && data.Message != "" {
		return data.Message
	}
	if to == actionlog.StateFailed {
		return "worker reported failure"
	}
	return ""
}

// DecodeOutcome parses a callback body.
func DecodeOutcome(body []byte) (Outcome, error) {
	var o Outcome
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&o); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	if _, err := o.State(); err != nil {
		return Outcome{}, err
	}
	return o, nil
}

// Verifier authenticates a callback body for an action.
type Verifier interface {
	Verify(token, subject string, body []byte) error
}

// ResultHandler consumes the data of successful read actions.
type ResultHandler interface {
	HandleResult(ctx context.Context, a *actionlog.Action, data json.RawMessage) error
}

// Ack describes what a callback did.
type Ack struct {
	ActionID string
	Applied  bool
	State    actionlog.State
}

// Receiver applies callbacks.
type Receiver struct {
	store    actionlog.Store
	verifier Verifier
	events   actionlog.EventSink
	results  ResultHandler
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithEventSink receives the events of applied transitions, e.g. the alerting hook.
func WithEventSink(s actionlog.EventSink) Option {
	return func(r *Receiver) { r.events = s }
}

// WithResultHandler receives the data of successful GET_* actions.
func WithResultHandler(h ResultHandler) Option {
	return func(r *Receiver) { r.results = h }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

func NewReceiver(store actionlog.Store, verifier Verifier, opts ...Option) *Receiver {
	r := &Receiver{
		store:    store,
		verifier: verifier,
		now:      time.Now,
		logger:   slog.Default().With("component", "callback"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnCallback authenticates body against signature, then applies the
// reported outcome to the action. The signature is checked before the
// action is looked up.
func (r *Receiver) OnCallback(ctx context.Context, id, signature string, body []byte) (*Ack, error) {
	if err := r.verifier.Verify(signature, id, body); err != nil {
		r.logger.Warn("callback rejected", "action_id", id, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrCallbackAuth, err)
	}

	outcome, err := DecodeOutcome(body)
	if err != nil {
		return nil, err
	}
	to, _ := outcome.State()

	a, err := r.store.Get(ctx, id)
	if errors.Is(err, actionlog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCallbackNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("callback: load %s: %w", id, err)
	}

	if a.State.Terminal() {
		r.logger.Warn("callback for finished action ignored",
			"action_id", id, "state", a.State, "reported", outcome.Status)
		return &Ack{ActionID: id, State: a.State}, nil
	}

	next, events, err := actionlog.ApplyTransition(*a, to, outcome.Detail(to), r.now().UTC())
	if err != nil {
		return nil, err
	}
	ok, err := r.store.Transition(ctx, &next, a.State)
	if err != nil {
		return nil, fmt.Errorf("callback: persist %s: %w", id, err)
	}
	if !ok {
		current, gerr := r.store.Get(ctx, id)
		state := actionlog.State("")
		if gerr == nil {
			state = current.State
		}
		r.logger.Warn("callback lost race, action already finished",
			"action_id", id, "state", state, "reported", outcome.Status)
		return &Ack{ActionID: id, State: state}, nil
	}

	r.logger.Info("callback applied", "action_id", id, "kind", a.Kind, "state", to)
	if r.events != nil {
		r.events.Handle(ctx, events)
	}
	if to == actionlog.StateSuccess && r.results != nil && isRead(a.Kind) && len(outcome.Data) > 0 {
		if err := r.results.HandleResult(ctx, &next, outcome.Data); err != nil {
			r.logger.Error("result handler failed", "action_id", id, "error", err)
		}
	}
	return &Ack{ActionID: id, Applied: true, State: to}, nil
}

func isRead(k actionlog.Kind) bool {
	switch k {
	case actionlog.KindGetCampaignStatus, actionlog.KindGetContentAdStatus, actionlog.KindGetReports:
		return true
	}
	return false
}
