// Package v1 contains the REST API data transfer objects.
package v1

import "time"

// SessionInfo describes one live session.
type SessionInfo struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	LastActiveAt     time.Time `json:"last_active_at"`
	WorkingDirectory string    `json:"working_directory"`
}

// ConnectedPayload is the first response frame after a WebSocket handshake.
type ConnectedPayload struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status           string `json:"status"`
	Sessions         int    `json:"sessions"`
	PendingApprovals int    `json:"pending_approvals"`
	BusConnected     bool   `json:"bus_connected"`
}
