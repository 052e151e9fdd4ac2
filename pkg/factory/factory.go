// Package factory creates actions: it resolves the target, opens the
// source credentials and builds the execution envelope, recording the
// result as exactly one action row.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/credentials"
	"github.com/Mindburn-Labs/actiond/pkg/payload"
	"github.com/Mindburn-Labs/actiond/pkg/targets"
)

// DefaultTTL is the lifetime of a freshly created action.
const DefaultTTL = time.Hour

// ConstructionError reports that an action row was recorded as FAILED
// because its payload could not be built.
type ConstructionError struct {
	ActionID string
	Cause    error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct action %s: %v", e.ActionID, e.Cause)
}

func (e *ConstructionError) Unwrap() error { return e.Cause }

// CreateRequest describes one action to create.
type CreateRequest struct {
	Target    actionlog.TargetRef
	Kind      actionlog.Kind
	Origin    actionlog.Origin
	Args      payload.Args
	OrderID   string
	CreatedBy string
}

// Config holds factory settings.
type Config struct {
	// TTL is added to the creation time to get the expiration. Zero means DefaultTTL.
	TTL time.Duration
	// PublicHost is the externally reachable base URL of the callback server.
	PublicHost string
}

// Factory creates actions.
type Factory struct {
	store    actionlog.Store
	resolver targets.Resolver
	creds    credentials.Decrypter
	events   actionlog.EventSink
	cfg      Config
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// WithIDGenerator overrides action and order id generation.
func WithIDGenerator(gen func() string) Option {
	return func(f *Factory) { f.newID = gen }
}

// WithEventSink receives the events of actions that failed construction.
func WithEventSink(sink actionlog.EventSink) Option {
	return func(f *Factory) { f.events = sink }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// New creates a factory.
func New(store actionlog.Store, resolver targets.Resolver, creds credentials.Decrypter, cfg Config, opts ...Option) *Factory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	f := &Factory{
		store:    store,
		resolver: resolver,
		creds:    creds,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default().With("component", "factory"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CallbackURL returns the address the worker reports the outcome of id to.
func (f *Factory) CallbackURL(id string) string {
	return CallbackURL(f.cfg.PublicHost, id)
}

// CallbackURL joins host and the callback route for id.
func CallbackURL(host, id string) string {
	return strings.TrimRight(host, "/") + "/api/callback/" + id
}

// Create inserts a WAITING action and attaches its payload in one unit of
// work. If the payload cannot be built the same row is stored as FAILED with
// the cause as its message, the unit still commits, and a *ConstructionError
// is returned together with the failed action.
func (f *Factory) Create(ctx context.Context, req CreateRequest) (*actionlog.Action, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("factory: %w: %q", payload.ErrUnknownKind, req.Kind)
	}
	if !req.Origin.Valid() {
		return nil, fmt.Errorf("factory: unknown origin %q", req.Origin)
	}

	now := f.now().UTC()
	a := &actionlog.Action{
		ID:        f.newID(),
		Kind:      req.Kind,
		Origin:    req.Origin,
		State:     actionlog.StateWaiting,
		Target:    req.Target,
		OrderID:   req.OrderID,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(f.cfg.TTL),
	}

	var (
		buildErr error
		events   []actionlog.Event
	)
	err := f.store.InTx(ctx, func(ctx context.Context, tx actionlog.Tx) error {
		buildErr, events = nil, nil
		if err := tx.Create(ctx, a); err != nil {
			return fmt.Errorf("factory: insert action: %w", err)
		}

		body, err := f.build(ctx, a, req.Args, now)
		if err == nil {
			if err := tx.SetPayload(ctx, a.ID, body, a.ExpiresAt, now); err != nil {
				return fmt.Errorf("factory: attach payload: %w", err)
			}
			a.Payload = body
			return nil
		}

		buildErr = err
		next, evs, terr := actionlog.ApplyTransition(*a, actionlog.StateFailed, err.Error(), now)
		if terr != nil {
			return terr
		}
		ok, terr := tx.Transition(ctx, &next, actionlog.StateWaiting)
		if terr != nil {
			return fmt.Errorf("factory: record failure: %w", terr)
		}
		if !ok {
			return fmt.Errorf("factory: record failure: action %s changed concurrently", a.ID)
		}
		*a = next
		events = evs
		return nil
	})
	if err != nil {
		return nil, err
	}

	if buildErr != nil {
		f.logger.Warn("action construction failed",
			"action_id", a.ID, "kind", a.Kind, "origin", a.Origin, "error", buildErr)
		if f.events != nil {
			f.events.Handle(ctx, events)
		}
		return a, &ConstructionError{ActionID: a.ID, Cause: buildErr}
	}
	f.logger.Debug("action created", "action_id", a.ID, "kind", a.Kind, "origin", a.Origin)
	return a, nil
}

func (f *Factory) build(ctx context.Context, a *actionlog.Action, args payload.Args, now time.Time) ([]byte, error) {
	t, err := f.resolver.Resolve(ctx, a.Target)
	if err != nil {
		return nil, err
	}
	creds, err := f.creds.Decrypt(ctx, t.CredentialsRef)
	if err != nil {
		return nil, err
	}
	env, err := payload.Build(payload.Input{
		Kind:        a.Kind,
		Source:      t.SourceType,
		Credentials: creds,
		Args:        args,
		CallbackURL: f.CallbackURL(a.ID),
		ExpiresAt:   a.ExpiresAt,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

// CreateOrder records a new order of the given kind.
func (f *Factory) CreateOrder(ctx context.Context, kind actionlog.OrderKind) (*actionlog.Order, error) {
	now := f.now().UTC()
	o := &actionlog.Order{
		ID:        f.newID(),
		Kind:      kind,
		State:     actionlog.StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("factory: create order: %w", err)
	}
	return o, nil
}

// Outcome is the result of one request in a batch.
type Outcome struct {
	Action *actionlog.Action
	Err    error
}

// CreateForTargets creates one action per request under a fresh order.
// Construction failures are reported per request; any other error stops
// the batch.
func (f *Factory) CreateForTargets(ctx context.Context, kind actionlog.OrderKind, reqs []CreateRequest) (*actionlog.Order, []Outcome, error) {
	order, err := f.CreateOrder(ctx, kind)
	if err != nil {
		return nil, nil, err
	}
	out := make([]Outcome, 0, len(reqs))
	for _, req := range reqs {
		req.OrderID = order.ID
		a, err := f.Create(ctx, req)
		var cerr *ConstructionError
		if err != nil && !errors.As(err, &cerr) {
			return order, out, err
		}
		out = append(out, Outcome{Action: a, Err: err})
	}
	return order, out, nil
}
