package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/payload"
	"github.com/Mindburn-Labs/actiond/pkg/signing"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type worker struct {
	mu       sync.Mutex
	received []string
	fail     map[string]int
	signer   *signing.Signer
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (w *worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	cur := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		p := w.peak.Load()
		if cur <= p || w.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	body, _ := io.ReadAll(r.Body)
	env, err := payload.Decode(body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	id := env.CallbackURL[strings.LastIndex(env.CallbackURL, "/")+1:]
	if err := w.signer.VerifyRequest(r, id, body); err != nil {
		http.Error(rw, err.Error(), http.StatusUnauthorized)
		return
	}
	if code, ok := w.fail[id]; ok {
		http.Error(rw, "boom", code)
		return
	}
	w.mu.Lock()
	w.received = append(w.received, id)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusAccepted)
}

func newSigner(t *testing.T) *signing.Signer {
	t.Helper()
	s, err := signing.New([]byte("shared"), signing.WithClock(clock))
	require.NoError(t, err)
	return s
}

func seed(t *testing.T, store actionlog.Store, id string, state actionlog.State, createdAt time.Time) *actionlog.Action {
	t.Helper()
	env, err := payload.Build(payload.Input{
		Kind:        actionlog.KindGetCampaignStatus,
		Source:      "outbrain",
		Args:        payload.GetCampaignStatus{SourceCampaignKey: json.RawMessage(`"k"`)},
		CallbackURL: "https://control.example/api/callback/" + id,
		ExpiresAt:   createdAt.Add(time.Hour),
	})
	require.NoError(t, err)
	body, err := env.Encode()
	require.NoError(t, err)
	a := &actionlog.Action{
		ID:        id,
		Kind:      actionlog.KindGetCampaignStatus,
		Origin:    actionlog.OriginAutomatic,
		State:     state,
		Target:    actionlog.TargetRef{AdGroupID: 1, SourceID: 3},
		Payload:   body,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		ExpiresAt: createdAt.Add(time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), a))
	return a
}

func setup(t *testing.T, cfg Config) (*actionlog.MemoryStore, *worker, *Dispatcher) {
	t.Helper()
	signer := newSigner(t)
	w := &worker{signer: signer, fail: map[string]int{}}
	srv := httptest.NewServer(w)
	t.Cleanup(srv.Close)
	cfg.WorkerURL = srv.URL
	store := actionlog.NewMemoryStore()
	return store, w, New(store, signer, cfg, WithClock(clock))
}

func TestSend_MarksSent(t *testing.T) {
	store, w, d := setup(t, Config{})
	a := seed(t, store, "a1", actionlog.StateWaiting, now.Add(-time.Minute))

	results := d.Send(context.Background(), []*actionlog.Action{a})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, []string{"a1"}, w.received)

	got, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, now, *got.SentAt)
	assert.Equal(t, actionlog.StateWaiting, got.State)
}

func TestSend_FailureLeavesActionWaiting(t *testing.T) {
	store, w, d := setup(t, Config{})
	a := seed(t, store, "a1", actionlog.StateWaiting, now.Add(-time.Minute))
	w.fail["a1"] = http.StatusServiceUnavailable

	results := d.Send(context.Background(), []*actionlog.Action{a})
	var derr *DispatchError
	require.ErrorAs(t, results[0].Err, &derr)
	assert.Equal(t, "a1", derr.ActionID)
	assert.Equal(t, http.StatusServiceUnavailable, derr.StatusCode)

	got, err := store.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, actionlog.StateWaiting, got.State)
	assert.Nil(t, got.SentAt)
}

func TestSend_TransportError(t *testing.T) {
	store := actionlog.NewMemoryStore()
	d := New(store, newSigner(t), Config{WorkerURL: "http://127.0.0.1:1"}, WithClock(clock))
	a := seed(t, store, "a1", actionlog.StateWaiting, now)

	results := d.Send(context.Background(), []*actionlog.Action{a})
	var derr *DispatchError
	assert.ErrorAs(t, results[0].Err, &derr)
}

func TestSend_RefusesUndeliverable(t *testing.T) {
	store, w, d := setup(t, Config{})
	done := seed(t, store, "done", actionlog.StateSuccess, now)
	bare := seed(t, store, "bare", actionlog.StateWaiting, now)
	bare.Payload = nil
	old := seed(t, store, "old", actionlog.StateWaiting, now.Add(-2*time.Hour))

	results := d.Send(context.Background(), []*actionlog.Action{done, bare, old})
	assert.ErrorIs(t, results[0].Err, ErrNotWaiting)
	assert.ErrorIs(t, results[1].Err, ErrNoPayload)
	assert.ErrorIs(t, results[2].Err, ErrExpired)
	assert.Empty(t, w.received)
}

func TestSend_BoundedConcurrency(t *testing.T) {
	store, w, d := setup(t, Config{Concurrency: 2})
	w.delay = 20 * time.Millisecond
	var batch []*actionlog.Action
	for _, id := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		batch = append(batch, seed(t, store, id, actionlog.StateWaiting, now))
	}

	results := d.Send(context.Background(), batch)
	for i, r := range results {
		assert.NoError(t, r.Err)
		assert.Equal(t, batch[i].ID, r.ActionID)
	}
	assert.LessOrEqual(t, w.peak.Load(), int32(2))
	assert.Len(t, w.received, 6)
}

func TestSendDelayed(t *testing.T) {
	store, w, d := setup(t, Config{Grace: time.Minute})
	seed(t, store, "stale", actionlog.StateWaiting, now.Add(-5*time.Minute))
	seed(t, store, "broken", actionlog.StateWaiting, now.Add(-5*time.Minute))
	seed(t, store, "fresh", actionlog.StateWaiting, now.Add(-10*time.Second))
	seed(t, store, "finished", actionlog.StateFailed, now.Add(-5*time.Minute))
	sent := seed(t, store, "sent", actionlog.StateWaiting, now.Add(-5*time.Minute))
	require.NoError(t, store.MarkSent(context.Background(), sent.ID, now.Add(-4*time.Minute)))
	w.fail["broken"] = http.StatusInternalServerError

	res, err := d.SendDelayed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Found: 2, Sent: 1, Failed: 1}, res)
	assert.Equal(t, []string{"stale"}, w.received)
}

type failingList struct{ *actionlog.MemoryStore }

func (failingList) List(context.Context, actionlog.Filter) ([]*actionlog.Action, error) {
	return nil, errors.New("db down")
}

func TestSendDelayed_QueryFailure(t *testing.T) {
	d := New(failingList{actionlog.NewMemoryStore()}, newSigner(t), Config{WorkerURL: "http://unused"}, WithClock(clock))
	_, err := d.SendDelayed(context.Background())
	assert.Error(t, err)
}
