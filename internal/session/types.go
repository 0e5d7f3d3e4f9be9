package session

import "time"

// CreateRequest is the payload of POST /v1/chat/session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	Muted  bool   `json:"muted"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Muted           bool      `json:"muted"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
