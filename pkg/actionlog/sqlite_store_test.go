package actionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every pooled connection would otherwise see its own empty database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.Init(context.Background()))
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	a := waitingAction(KindSetCampaignState, OriginAutomatic)

	err := store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Create(ctx, &a); err != nil {
			return err
		}
		return tx.SetPayload(ctx, a.ID, json.RawMessage(`{"action":"SET_CAMPAIGN_STATE"}`), a.ExpiresAt, a.CreatedAt.Add(time.Second))
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, got.State)
	assert.JSONEq(t, `{"action":"SET_CAMPAIGN_STATE"}`, string(got.Payload))
	assert.True(t, a.ExpiresAt.Equal(got.ExpiresAt))
	assert.Nil(t, got.SentAt)

	next, _, err := ApplyTransition(*got, StateFailed, "worker said no", a.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	ok, err := store.Transition(ctx, &next, StateWaiting)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Transition(ctx, &next, StateWaiting)
	require.NoError(t, err)
	assert.False(t, ok)

	failed, err := store.Count(ctx, Filter{States: []State{StateFailed}, Origin: OriginAutomatic})
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestSQLiteStore_Init_IsIdempotent(t *testing.T) {
	store := newSQLiteStore(t)
	require.NoError(t, store.Init(context.Background()))
}
