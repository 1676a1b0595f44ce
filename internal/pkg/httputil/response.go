// Package httputil holds the JSON response envelopes shared by HTTP
// handlers.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error envelope every handler returns on failure.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes v with the given status. Encoding failures are swallowed;
// the status line is already on the wire.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes the standard error envelope.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, ErrorBody{Error: msg})
}
