package httpx

import (
	"encoding/json"
	"net/http"
)

// Envelope is the wire shape every API response uses: exactly one of Data or
// Error is set. The SPA relies on this, so handlers never write raw payloads.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// Data writes a success envelope.
func Data(w http.ResponseWriter, status int, payload any) {
	write(w, status, Envelope{Data: payload})
}

// Error writes a failure envelope with a short machine-readable code.
func Error(w http.ResponseWriter, status int, code string, details any) {
	write(w, status, Envelope{Error: &APIError{Code: code, Details: details}})
}

func write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	body, err := json.Marshal(env)
	if err != nil {
		// best-effort error response; avoid writing partial JSON
		http.Error(w, `{"error":{"code":"encode_error"}}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		// nothing we can do at this point
		_ = err
	}
}

// MethodNotAllowed sets the Allow header and writes the standard error body.
func MethodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	Error(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
}
