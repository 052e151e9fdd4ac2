package actionlog

import (
	"context"
	"encoding/json"
	"time"
)

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// Create inserts a new action row.
	Create(ctx context.Context, a *Action) error

	// Get loads an action by ID. Returns ErrNotFound if missing.
	Get(ctx context.Context, id string) (*Action, error)

	// SetPayload attaches the execution payload and its expiration, stamping
	// updated_at with at.
	SetPayload(ctx context.Context, id string, payload json.RawMessage, expiresAt, at time.Time) error

	// Transition persists next only if the stored row is still in state from.
	// It returns false when another writer moved the row first.
	Transition(ctx context.Context, next *Action, from State) (bool, error)

	// MarkSent records that the worker accepted the dispatch request.
	MarkSent(ctx context.Context, id string, at time.Time) error

	// CreateOrder inserts a new order.
	CreateOrder(ctx context.Context, o *Order) error

	// GetOrder loads an order with its state derived from its actions.
	GetOrder(ctx context.Context, id string) (*Order, error)
}

// Store is the durable action log.
type Store interface {
	Tx

	// InTx runs fn as a single unit of work. The unit commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// List returns actions matching f, oldest first unless f.Newest is set.
	List(ctx context.Context, f Filter) ([]*Action, error)

	// Count returns the number of actions matching f. Limit is ignored.
	Count(ctx context.Context, f Filter) (int, error)
}

// Filter selects actions. Zero fields do not constrain the result.
type Filter struct {
	IDs           []string
	States        []State
	Kinds         []Kind
	Origin        Origin
	OrderID       string
	Unsent        bool
	CreatedBefore time.Time
	ExpiresBefore time.Time
	Newest        bool
	Limit         int
}

// Match reports whether a satisfies f. It is the reference semantics for
// every Store implementation.
func (f Filter) Match(a *Action) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, a.ID) {
		return false
	}
	if len(f.States) > 0 && !contains(f.States, a.State) {
		return false
	}
	if len(f.Kinds) > 0 && !contains(f.Kinds, a.Kind) {
		return false
	}
	if f.Origin != "" && a.Origin != f.Origin {
		return false
	}
	if f.OrderID != "" && a.OrderID != f.OrderID {
		return false
	}
	if f.Unsent && a.SentAt != nil {
		return false
	}
	if !f.CreatedBefore.IsZero() && !a.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !a.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
