package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kestrelci/controller/pkg/ctlerr"
)

// errorResponse is the {error: string} shape spec.md §6 mandates for every
// non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a ctlerr.Kind to its HTTP status and writes the
// {error: string} body. Errors not produced by pkg/ctlerr are treated as
// internal, never leaking their raw text to the client.
func writeError(w http.ResponseWriter, err error) {
	kind := ctlerr.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	if kind == ctlerr.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(kind ctlerr.Kind) int {
	switch kind {
	case ctlerr.KindBadRequest:
		return http.StatusBadRequest
	case ctlerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case ctlerr.KindForbidden:
		return http.StatusForbidden
	case ctlerr.KindNotFound:
		return http.StatusNotFound
	case ctlerr.KindConflict, ctlerr.KindWorkerBusy, ctlerr.KindWorkerOffline:
		return http.StatusConflict
	case ctlerr.KindTimeout:
		return http.StatusGatewayTimeout
	case ctlerr.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
