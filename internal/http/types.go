package http

import "github.com/fyrsmithlabs/hnm/internal/telemetry"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	RunID     string                  `json:"run_id,omitempty"`
	Tick      uint64                  `json:"tick"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// LearningRequest is the request body for PUT /api/v1/learning. Both fields
// are required.
type LearningRequest struct {
	LearningRate *float64 `json:"learning_rate"`
	WeightDecay  *float64 `json:"weight_decay"`
}

// LearningResponse is the response body for PUT /api/v1/learning. The new
// parameters take effect at the next tick.
type LearningResponse struct {
	Status       string  `json:"status"`
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
}
