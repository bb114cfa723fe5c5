package proxy

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
)

const RequestIDHeader = "X-Request-Id"

// ProxyErrorBody is the JSON body of every error the edge writes itself,
// such as a cache miss whose network leg failed.
type ProxyErrorBody struct {
	Status        int    `json:"status"`
	RequestID     string `json:"request_id"`
	ErrorCategory string `json:"error_category"`
	Message       string `json:"message"`
}

func WriteProxyError(w http.ResponseWriter, requestID string, status int, category string, message string) {
	if recorder, ok := w.(errorCategoryWriter); ok {
		recorder.SetErrorCategory(category)
	}
	w.Header().Set(RequestIDHeader, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProxyErrorBody{
		Status:        status,
		RequestID:     requestID,
		ErrorCategory: category,
		Message:       message,
	})
}

func NewRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
