package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID     int    `json:"user_id"`
	RecordOnly bool   `json:"record_only"`
	Tone       string `json:"tone,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          int       `json:"user_id"`
	State           State     `json:"state"`
	RecordOnly      bool      `json:"record_only"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
