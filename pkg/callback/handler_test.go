package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/api"
	"github.com/Mindburn-Labs/actiond/pkg/signing"
)

func serve(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set(signing.Header, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func problem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestHandler(t *testing.T) {
	store := actionlog.NewMemoryStore()
	seed(t, store, "a1", actionlog.KindSetCampaignState, actionlog.StateWaiting)
	signer := newSigner(t)
	h := NewHandler(NewReceiver(store, signer, WithClock(clock)))

	ok := `{"status": "success"}`

	t.Run("applies", func(t *testing.T) {
		w := serve(t, h, http.MethodPost, "/api/callback/a1", sign(t, signer, "a1", ok), ok)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Body.String())

		got, err := store.Get(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, actionlog.StateSuccess, got.State)
	})
	t.Run("duplicate acknowledged", func(t *testing.T) {
		w := serve(t, h, http.MethodPost, "/api/callback/a1", sign(t, signer, "a1", ok), ok)
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("bad signature", func(t *testing.T) {
		w := serve(t, h, http.MethodPost, "/api/callback/a1", "garbage", ok)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "/api/callback/a1", problem(t, w).Instance)
	})
	t.Run("unknown action", func(t *testing.T) {
		w := serve(t, h, http.MethodPost, "/api/callback/ghost", sign(t, signer, "ghost", ok), ok)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, 404, problem(t, w).Status)
	})
	t.Run("bad outcome", func(t *testing.T) {
		body := `{"status": "unknown"}`
		w := serve(t, h, http.MethodPost, "/api/callback/a1", sign(t, signer, "a1", body), body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
	t.Run("wrong method", func(t *testing.T) {
		w := serve(t, h, http.MethodGet, "/api/callback/a1", "", "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	})
	t.Run("no id", func(t *testing.T) {
		w := serve(t, h, http.MethodPost, "/api/callback/", "", ok)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
	t.Run("too large", func(t *testing.T) {
		body := `{"status": "success", "data": "` + strings.Repeat("x", MaxBodyBytes) + `"}`
		w := serve(t, h, http.MethodPost, "/api/callback/a1", "t", body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}
