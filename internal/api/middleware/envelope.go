package middleware

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope matches the api package's envelope format for error
// responses written before a handler runs.
type errorEnvelope struct {
	Data  any    `json:"data"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
