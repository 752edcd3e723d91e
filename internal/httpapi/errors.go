package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/matheus3301/wpp-relay/internal/gateway"
	"github.com/matheus3301/wpp-relay/internal/inbox"
	"github.com/matheus3301/wpp-relay/internal/ingest"
	"github.com/matheus3301/wpp-relay/internal/outbound"
	"github.com/matheus3301/wpp-relay/internal/store"
	"github.com/matheus3301/wpp-relay/internal/webhook"
)

var errBadRequest = errors.New("bad request")

// statusFor maps an error onto the HTTP status returned to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingest.ErrInvalidEvent),
		errors.Is(err, webhook.ErrMalformed),
		errors.Is(err, outbound.ErrEmptyMessage),
		errors.Is(err, outbound.ErrInvalidDestination),
		errors.Is(err, inbox.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrUnknownAccount), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inbox.ErrNoMessages):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrNotReachable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
