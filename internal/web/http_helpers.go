package web

import (
	"encoding/json"
	"net/http"
)

// Generic messages for end users. Detection details are never disclosed.
const (
	msgAccessDenied    = "Access denied"
	msgTooManyRequests = "Too many requests"
)

// apiError is the structured error body returned by the admin API.
type apiError struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
// It sets the Content-Type header to application/json.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeJSONOK writes a JSON response with status 200 OK.
func writeJSONOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

// writeJSONCreated writes a JSON response with status 201 Created.
func writeJSONCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, data)
}

// writeErrorJSON writes a structured error response.
func writeErrorJSON(w http.ResponseWriter, status int, errorCode, message string) {
	writeJSON(w, status, apiError{Error: errorCode, Message: message})
}

// writeValidationError writes a 400 with per-field reasons.
func writeValidationError(w http.ResponseWriter, message string, details map[string]string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: "validation_failed", Message: message, Details: details})
}

// writeAccessDenied writes the generic 403 used for every end-user rejection.
func writeAccessDenied(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": msgAccessDenied})
}

// writeTooManyRequests writes the generic 429 with the retry delay.
func writeTooManyRequests(w http.ResponseWriter, retryAfter int) {
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      msgTooManyRequests,
		"retryAfter": retryAfter,
	})
}

// writeNoContent writes a 204 No Content response.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// parseJSONBody decodes at most maxBytes of the request body as JSON into v.
// Returns true if successful, false if there was an error (error response already sent).
func parseJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// methodNotAllowed writes a 405 Method Not Allowed response.
func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
