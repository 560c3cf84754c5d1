package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Machine-readable error codes returned by the API.
const (
	codeInvalidRequest   = "invalid_request"
	codeInvalidSignature = "invalid_signature"
	codeNotFound         = "not_found"
	codeInternal         = "internal_error"
)

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":  code,
		"error": message,
	})
}
