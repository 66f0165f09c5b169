package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/frameflow/frameflow/pkg/version"
)

// Meta carries envelope metadata shared by every response.
type Meta struct {
	APIVersion    string `json:"api_version"`
	RequestID     string `json:"request_id"`
	RequestedTime string `json:"requested_time"`
}

// Envelope is the shared shape of every REST response body.
type Envelope struct {
	Data       any    `json:"data,omitempty"`
	Message    string `json:"message,omitempty"`
	Meta       Meta   `json:"meta"`
	StatusCode int    `json:"status_code"`
}

func newEnvelope(statusCode int, data any, message string) Envelope {
	return Envelope{
		Data:    data,
		Message: message,
		Meta: Meta{
			APIVersion:    version.APIVersion(),
			RequestID:     uuid.NewString(),
			RequestedTime: time.Now().UTC().Format(time.RFC3339Nano),
		},
		StatusCode: statusCode,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ActiveWSConns int    `json:"active_ws_connections"`
}

func buildHealthResponse(activeConns int) *HealthResponse {
	return &HealthResponse{
		Status:        "healthy",
		Version:       version.Full(),
		ActiveWSConns: activeConns,
	}
}
