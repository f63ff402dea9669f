package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error codes carried in the envelope's error_code field.
const (
	CodeInvalidAPIKey     = "INVALID_API_KEY"
	CodeUnauthorizedIP    = "UNAUTHORIZED_IP"
	CodeRateLimited       = "RATE_LIMIT_EXCEEDED"
	CodeValidation        = "VALIDATION_ERROR"
	CodeInvalidModelName  = "INVALID_MODEL_NAME"
	CodeOllamaUnreachable = "OLLAMA_UNREACHABLE"
	CodeOllamaError       = "OLLAMA_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
	CodeNotFound          = "ENDPOINT_NOT_FOUND"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
)

// Envelope is the uniform JSON wrapper returned by every endpoint.
// Status is "success" for 2xx responses and "error" otherwise; exactly
// one of Data/Error is set.
type Envelope struct {
	Status    string `json:"status" example:"success"`
	Message   string `json:"message,omitempty" example:"text generated"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty" example:"missing field: model"`
	ErrorCode string `json:"error_code,omitempty" example:"VALIDATION_ERROR"`
	Timestamp int64  `json:"timestamp" example:"1735689600"`
}

// WriteSuccess writes a success envelope with the given HTTP status.
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	writeEnvelope(w, status, Envelope{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

// WriteError writes an error envelope with the given HTTP status.
func WriteError(w http.ResponseWriter, status int, code, detail string) {
	writeEnvelope(w, status, Envelope{
		Status:    "error",
		Error:     detail,
		ErrorCode: code,
	})
}

func writeEnvelope(w http.ResponseWriter, status int, e Envelope) {
	e.Timestamp = time.Now().Unix()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
