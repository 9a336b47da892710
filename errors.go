package main

import (
	"encoding/json"
	"io"
	"net/http"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

const maxBodyBytes = 64 << 10

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}
