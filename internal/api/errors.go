package api

import (
	"encoding/json"
	"net/http"

	"github.com/relayhook/webhookd/internal/apperr"
)

// errorEnvelope is the JSON error shape spec §6 mandates for every non-2xx
// response: {"error": string, "messages": [string]}.
type errorEnvelope struct {
	Error    string   `json:"error"`
	Messages []string `json:"messages"`
}

// statusFor maps an apperr.Kind to the HTTP status spec §7's taxonomy
// table names. Kinds the HTTP surface never sees (Poison, Fatal — both
// consumer-only) fall through to 500, since reaching here means a bug, not
// a documented client scenario.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.EntityNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, statusFor(kind), errorEnvelope{
		Error:    kind.String(),
		Messages: []string{err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
