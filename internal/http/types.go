package http

import "github.com/fyrsmithlabs/hookrelay/internal/config"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ScheduleResponse is the response body for POST /api/v1/projects/:project/schedule.
type ScheduleResponse struct {
	ProjectID string `json:"projectId"`
	Status    string `json:"status"`
}

// SweepResponse is the response body for POST /api/v1/sweep.
type SweepResponse struct {
	Events int `json:"events"`
}

// ValidateRequest is the request body for POST /api/v1/destinations/validate.
type ValidateRequest struct {
	URL string `json:"url"`
}

// CreateDestinationRequest is the request body for
// POST /api/v1/projects/:project/destinations. Enabled defaults to true.
type CreateDestinationRequest struct {
	URL        string        `json:"url"`
	Secret     config.Secret `json:"secret,omitempty"`
	EventTypes []string      `json:"eventTypes,omitempty"`
	Condition  string        `json:"condition,omitempty"`
	Enabled    *bool         `json:"enabled,omitempty"`
}

// EnableResponse is the response body for POST /api/v1/destinations/:id/enable.
type EnableResponse struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

// ErrorResponse carries a rejection reason for 422 responses.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
