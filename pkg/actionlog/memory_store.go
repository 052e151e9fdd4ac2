package actionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node tooling.
// Units of work are serialized but not rolled back on error.
type MemoryStore struct {
	txMu    sync.Mutex
	mu      sync.RWMutex
	actions map[string]*Action
	orders  map[string]*Order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*Action),
		orders:  make(map[string]*Order),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

func (s *MemoryStore) Create(_ context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[a.ID]; exists {
		return fmt.Errorf("actionlog: action %s already exists", a.ID)
	}
	s.actions[a.ID] = clone(a)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (s *MemoryStore) SetPayload(_ context.Context, id string, payload json.RawMessage, expiresAt, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("actionlog: action %s: %w", id, ErrNotFound)
	}
	a.Payload = append(json.RawMessage(nil), payload...)
	a.ExpiresAt = expiresAt
	a.UpdatedAt = at
	return nil
}

func (s *MemoryStore) Transition(_ context.Context, next *Action, from State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[next.ID]
	if !ok || a.State != from {
		return false, nil
	}
	a.State = next.State
	a.Message = next.Message
	a.ExpiresAt = next.ExpiresAt
	a.SentAt = copyTime(next.SentAt)
	a.UpdatedAt = next.UpdatedAt
	return true, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("actionlog: action %s: %w", id, ErrNotFound)
	}
	a.SentAt = &at
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("actionlog: order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	var states []State
	for _, a := range s.actions {
		if a.OrderID == id {
			states = append(states, a.State)
		}
	}
	cp := *o
	cp.State = OrderState(states)
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Action
	for _, a := range s.actions {
		if f.Match(a) {
			result = append(result, clone(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if f.Newest {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.actions {
		if f.Match(a) {
			n++
		}
	}
	return n, nil
}

func clone(a *Action) *Action {
	cp := *a
	cp.Payload = append(json.RawMessage(nil), a.Payload...)
	cp.SentAt = copyTime(a.SentAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
