package callback

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/actiond/pkg/api"
	"github.com/Mindburn-Labs/actiond/pkg/signing"
)

// MaxBodyBytes bounds a callback body.
const MaxBodyBytes = 1 << 20

// Route is the callback path prefix; the action id follows it.
const Route = "/api/callback/"

// Handler serves POST /api/callback/{id}.
type Handler struct {
	receiver *Receiver
}

func NewHandler(r *Receiver) *Handler {
	return &Handler{receiver: r}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		api.WriteMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, Route)
	if id == "" || strings.Contains(id, "/") {
		api.WriteNotFound(w, "unknown callback route")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.WriteRequestTooLarge(w, MaxBodyBytes)
			return
		}
		api.WriteBadRequest(w, "unreadable body")
		return
	}

	_, err = h.receiver.OnCallback(r.Context(), id, r.Header.Get(signing.Header), body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrCallbackAuth):
		api.WriteErrorR(w, r, http.StatusUnauthorized, "Unauthorized", "invalid callback signature")
	case errors.Is(err, ErrCallbackNotFound):
		api.WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown action")
	case errors.Is(err, ErrInvalidOutcome):
		api.WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		api.WriteInternal(w, err)
	}
}
