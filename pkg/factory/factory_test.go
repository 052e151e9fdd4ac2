package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/credentials"
	"github.com/Mindburn-Labs/actiond/pkg/payload"
	"github.com/Mindburn-Labs/actiond/pkg/targets"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const catalogYAML = `
sources:
  - {id: 3, type: outbrain, credentials_ref: outbrain-main, has_dashboard: true}
  - {id: 7, type: yahoo}
  - {id: 9, type: broken, credentials_ref: missing}
`

type fakeVault map[string]string

func (v fakeVault) Decrypt(_ context.Context, ref string) (*string, error) {
	if ref == "" {
		return nil, nil
	}
	s, ok := v[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credentials.ErrNotFound, ref)
	}
	return &s, nil
}

type recordingSink struct{ events []actionlog.Event }

func (r *recordingSink) Handle(_ context.Context, events []actionlog.Event) {
	r.events = append(r.events, events...)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("act-%d", n)
	}
}

func newFactory(t *testing.T, store actionlog.Store, opts ...Option) *Factory {
	t.Helper()
	catalog, err := targets.ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithIDGenerator(sequentialIDs()),
	}
	return New(store, catalog, fakeVault{"outbrain-main": "tok"},
		Config{PublicHost: "https://control.example/"}, append(base, opts...)...)
}

func stopRequest(source int64, origin actionlog.Origin) CreateRequest {
	return CreateRequest{
		Target: actionlog.TargetRef{AdGroupID: 42, SourceID: source},
		Kind:   actionlog.KindSetCampaignState,
		Origin: origin,
		Args: payload.SetCampaignState{
			SourceCampaignKey: json.RawMessage(`"cmp-1"`),
			State:             payload.CampaignInactive,
		},
	}
}

func TestCreate_Waiting(t *testing.T) {
	store := actionlog.NewMemoryStore()
	f := newFactory(t, store)

	a, err := f.Create(context.Background(), stopRequest(3, actionlog.OriginAutomatic))
	require.NoError(t, err)
	assert.Equal(t, "act-1", a.ID)
	assert.Equal(t, actionlog.StateWaiting, a.State)
	assert.Equal(t, now.Add(DefaultTTL), a.ExpiresAt)

	stored, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	env, err := payload.Decode(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, "outbrain", env.Source)
	assert.Equal(t, "https://control.example/api/callback/act-1", env.CallbackURL)
	require.NotNil(t, env.Credentials)
	assert.Equal(t, "tok", *env.Credentials)
	assert.True(t, env.ExpirationDT.Equal(now.Add(time.Hour)))
}

func TestCreate_NullCredentials(t *testing.T) {
	store := actionlog.NewMemoryStore()
	f := newFactory(t, store)

	a, err := f.Create(context.Background(), stopRequest(7, actionlog.OriginManual))
	require.NoError(t, err)
	env, err := payload.Decode(a.Payload)
	require.NoError(t, err)
	assert.Nil(t, env.Credentials)
}

func TestCreate_ConstructionFailureRecordsFailedRow(t *testing.T) {
	cases := []struct {
		name  string
		req   CreateRequest
		cause error
	}{
		{"unknown target", stopRequest(99, actionlog.OriginManual), targets.ErrUnknownTarget},
		{"credentials", stopRequest(9, actionlog.OriginManual), credentials.ErrNotFound},
		{"bad args", func() CreateRequest {
			r := stopRequest(3, actionlog.OriginManual)
			r.Args = payload.SetCampaignState{SourceCampaignKey: json.RawMessage(`"k"`), State: "PAUSED"}
			return r
		}(), payload.ErrInvalidArgs},
		{"missing args", func() CreateRequest {
			r := stopRequest(3, actionlog.OriginManual)
			r.Args = nil
			return r
		}(), payload.ErrMissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := actionlog.NewMemoryStore()
			f := newFactory(t, store)

			a, err := f.Create(context.Background(), tc.req)
			var cerr *ConstructionError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.ErrorIs(t, err, tc.cause)
			assert.Equal(t, a.ID, cerr.ActionID)

			all, err := store.List(context.Background(), actionlog.Filter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, actionlog.StateFailed, all[0].State)
			assert.Equal(t, cerr.Cause.Error(), all[0].Message)
		})
	}
}

func TestCreate_FailureEventsReachSink(t *testing.T) {
	sink := &recordingSink{}
	f := newFactory(t, actionlog.NewMemoryStore(), WithEventSink(sink))

	_, err := f.Create(context.Background(), stopRequest(99, actionlog.OriginAutomatic))
	require.Error(t, err)
	types := make([]actionlog.EventType, 0, len(sink.events))
	for _, e := range sink.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []actionlog.EventType{actionlog.EventStateChanged, actionlog.EventAlert}, types)

	sink.events = nil
	_, err = f.Create(context.Background(), stopRequest(99, actionlog.OriginManual))
	require.Error(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, actionlog.EventStateChanged, sink.events[0].Type)
}

func TestCreate_InsertFailureIsNotConstructionError(t *testing.T) {
	store := actionlog.NewMemoryStore()
	f := newFactory(t, store, WithIDGenerator(func() string { return "dup" }))

	_, err := f.Create(context.Background(), stopRequest(3, actionlog.OriginManual))
	require.NoError(t, err)
	_, err = f.Create(context.Background(), stopRequest(3, actionlog.OriginManual))
	require.Error(t, err)
	var cerr *ConstructionError
	assert.False(t, errors.As(err, &cerr))
}

func TestCreate_RejectsUnknownKind(t *testing.T) {
	store := actionlog.NewMemoryStore()
	f := newFactory(t, store)
	req := stopRequest(3, actionlog.OriginManual)
	req.Kind = "REBOOT"

	_, err := f.Create(context.Background(), req)
	assert.ErrorIs(t, err, payload.ErrUnknownKind)
	n, err := store.Count(context.Background(), actionlog.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreate_SQLFailureCommitsFailedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO actions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE actions").
		WithArgs(actionlog.StateFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), nil, now, "act-1", actionlog.StateWaiting).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	f := newFactory(t, actionlog.NewSQLStore(db))
	_, err = f.Create(context.Background(), stopRequest(99, actionlog.OriginManual))
	var cerr *ConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateForTargets(t *testing.T) {
	store := actionlog.NewMemoryStore()
	f := newFactory(t, store)

	order, out, err := f.CreateForTargets(context.Background(), actionlog.OrderStopAll, []CreateRequest{
		stopRequest(3, actionlog.OriginAutomatic),
		stopRequest(99, actionlog.OriginAutomatic),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.NoError(t, out[0].Err)
	assert.Error(t, out[1].Err)
	for _, o := range out {
		assert.Equal(t, order.ID, o.Action.OrderID)
	}

	got, err := store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, actionlog.OrderStopAll, got.Kind)
	assert.Equal(t, actionlog.StateWaiting, got.State)
}
