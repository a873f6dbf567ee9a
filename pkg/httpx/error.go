package httpx

import (
	"encoding/json"
	"net/http"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response with a consistent shape:
// {"error": {"code":"...","message":"..."}}
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteTypedError(w, statusCode, http.StatusText(statusCode), message)
}

// WriteTypedError writes a JSON error with an explicit stable code.
func WriteTypedError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": ErrorPayload{Code: code, Message: message}})
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
