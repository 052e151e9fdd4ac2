package callback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/signing"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newSigner(t *testing.T) *signing.Signer {
	t.Helper()
	s, err := signing.New([]byte("shared"), signing.WithClock(clock))
	require.NoError(t, err)
	return s
}

func sign(t *testing.T, s *signing.Signer, id string, body string) string {
	t.Helper()
	token, err := s.Sign(id, []byte(body))
	require.NoError(t, err)
	return token
}

func seed(t *testing.T, store actionlog.Store, id string, kind actionlog.Kind, state actionlog.State) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &actionlog.Action{
		ID:        id,
		Kind:      kind,
		Origin:    actionlog.OriginAutomatic,
		State:     state,
		Target:    actionlog.TargetRef{AdGroupID: 42, SourceID: 3},
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(time.Hour),
	}))
}

type eventRecorder struct{ events []actionlog.Event }

func (e *eventRecorder) Handle(_ context.Context, events []actionlog.Event) {
	e.events = append(e.events, events...)
}

type resultRecorder struct {
	ids  []string
	data []json.RawMessage
}

func (r *resultRecorder) HandleResult(_ context.Context, a *actionlog.Action, data json.RawMessage) error {
	r.ids = append(r.ids, a.ID)
	r.data = append(r.data, data)
	return nil
}

// countingStore records lookups so tests can assert auth runs first.
type countingStore struct {
	*actionlog.MemoryStore
	gets int
}

func (s *countingStore) Get(ctx context.Context, id string) (*actionlog.Action, error) {
	s.gets++
	return s.MemoryStore.Get(ctx, id)
}

func TestOnCallback_Success(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	events := &eventRecorder{}
	r := NewReceiver(store, signer, WithEventSink(events), WithClock(clock))

	body := `{"status": "success", "data": {"message": "campaign paused"}}`
	ack, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", body), []byte(body))
	require.NoError(t, err)
	assert.True(t, ack.Applied)
	assert.Equal(t, actionlog.StateSuccess, ack.State)

	got, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, actionlog.StateSuccess, got.State)
	assert.Equal(t, "campaign paused", got.Message)
	assert.Equal(t, now, got.UpdatedAt)
	require.Len(t, events.events, 1)
	assert.Equal(t, actionlog.EventStateChanged, events.events[0].Type)
}

func TestOnCallback_AutomaticStopFailureAlerts(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	events := &eventRecorder{}
	r := NewReceiver(store, signer, WithEventSink(events), WithClock(clock))

	body := `{"status": "failure", "error": "campaign is locked"}`
	_, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", body), []byte(body))
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, actionlog.StateFailed, got.State)
	assert.Equal(t, "campaign is locked", got.Message)
	require.Len(t, events.events, 2)
	assert.Equal(t, actionlog.EventAlert, events.events[1].Type)
}

func TestOnCallback_FailureWithoutDetail(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindGetReports, actionlog.StateWaiting)
	signer := newSigner(t)
	r := NewReceiver(store, signer, WithClock(clock))

	body := `{"status": "FAILED"}`
	_, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", body), []byte(body))
	require.NoError(t, err)
	got, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, actionlog.StateFailed, got.State)
	assert.NotEmpty(t, got.Message)
}

func TestOnCallback_AuthBeforeLookup(t *testing.T) {
	store := &countingStore{MemoryStore: actionlog.NewMemoryStore()}
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	r := NewReceiver(store, signer, WithClock(clock))

	body := `{"status": "success"}`
	forged := sign(t, signer, "a1", `{"status": "failure"}`)
	_, err := r.OnCallback(context.Background(), "a1", forged, []byte(body))
	assert.ErrorIs(t, err, ErrCallbackAuth)

	_, err = r.OnCallback(context.Background(), "missing", "", []byte(body))
	assert.ErrorIs(t, err, ErrCallbackAuth)
	assert.Zero(t, store.gets)

	got, err := store.MemoryStore.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, actionlog.StateWaiting, got.State)
}

func TestOnCallback_NotFound(t *testing.T) {
	signer := newSigner(t)
	r := NewReceiver(actionlog.NewMemoryStore(), signer, WithClock(clock))
	body := `{"status": "success"}`
	_, err := r.OnCallback(context.Background(), "ghost", sign(t, signer, "ghost", body), []byte(body))
	assert.ErrorIs(t, err, ErrCallbackNotFound)
}

func TestOnCallback_InvalidOutcome(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	r := NewReceiver(store, signer, WithClock(clock))

	for _, body := range []string{`{"status": "maybe"}`, `not json`} {
		_, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", body), []byte(body))
		assert.ErrorIs(t, err, ErrInvalidOutcome, body)
	}
}

func TestOnCallback_DuplicateIsNoop(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	events := &eventRecorder{}
	r := NewReceiver(store, signer, WithEventSink(events), WithClock(clock))

	first := `{"status": "failure", "error": "first"}`
	_, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", first), []byte(first))
	require.NoError(t, err)
	before, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)

	second := `{"status": "success", "data": {"message": "second"}}`
	ack, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", second), []byte(second))
	require.NoError(t, err)
	assert.False(t, ack.Applied)
	assert.Equal(t, actionlog.StateFailed, ack.State)

	after, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, events.events, 2, "no events for the duplicate")
}

func TestOnCallback_LateAfterAbortIsNoop(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateAborted)
	signer := newSigner(t)
	r := NewReceiver(store, signer, WithClock(clock))

	body := `{"status": "success"}`
	ack, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", body), []byte(body))
	require.NoError(t, err)
	assert.False(t, ack.Applied)

	got, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, actionlog.StateAborted, got.State)
}

// abortingStore lets the reaper win between the callback's read and write.
type abortingStore struct{ *actionlog.MemoryStore }

func (s abortingStore) Get(ctx context.Context, id string) (*actionlog.Action, error) {
	a, err := s.MemoryStore.Get(ctx, id)
	if err != nil || a.State != actionlog.StateWaiting {
		return a, err
	}
	aborted, _, err := actionlog.ApplyTransition(*a, actionlog.StateAborted, "expired", now)
	if err != nil {
		return nil, err
	}
	if _, err := s.MemoryStore.Transition(ctx, &aborted, actionlog.StateWaiting); err != nil {
		return nil, err
	}
	return a, nil
}

func TestOnCallback_LostRaceIsNoop(t *testing.T) {
	store := abortingStore{actionlog.NewMemoryStore()}
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	events := &eventRecorder{}
	r := NewReceiver(store, signer, WithEventSink(events), WithClock(clock))

	body := `{"status": "failure"}`
	ack, err := r.OnCallback(context.Background(), "a1", sign(t, signer, "a1", body), []byte(body))
	require.NoError(t, err)
	assert.False(t, ack.Applied)
	assert.Equal(t, actionlog.StateAborted, ack.State)
	assert.Empty(t, events.events)
}

func TestOnCallback_ReadResultsReachHandler(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "read", actionlog.KindGetCampaignStatus, actionlog.StateWaiting)
	seed(t, store, "write", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	results := &resultRecorder{}
	r := NewReceiver(store, signer, WithResultHandler(results), WithClock(clock))

	body := `{"status": "success", "data": {"state": "ACTIVE"}}`
	for _, id := range []string{"read", "write"} {
		_, err := r.OnCallback(context.Background(), id, sign(t, signer, id, body), []byte(body))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"read"}, results.ids)
	assert.JSONEq(t, `{"state": "ACTIVE"}`, string(results.data[0]))
}
