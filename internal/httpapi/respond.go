package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/careerpulse/hub/internal/hub"
)

// errorEnvelope is the wire shape for every failure.
type errorEnvelope struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates the taxonomy to a stable status and envelope. Raw
// causes never reach the wire; untyped errors surface as a generic 503.
func writeError(w http.ResponseWriter, err error) {
	var typed *hub.Error
	if !errors.As(err, &typed) {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{
			Error:   string(hub.KindInternalUnavailable),
			Message: "service temporarily unavailable",
		})
		return
	}
	writeJSON(w, hub.HTTPStatus(typed.Kind), errorEnvelope{
		Error:   string(typed.Kind),
		Message: typed.Message,
		Details: typed.Details,
	})
}

func decodeBody(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return hub.E(hub.KindValidation, "invalid request body")
	}
	return nil
}
