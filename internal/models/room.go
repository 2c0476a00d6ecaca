package models

import "time"

// MaxParticipants is fixed: sessions are strictly one-to-one.
const MaxParticipants = 2

// Session stores information about a consultation room
type Session struct {
	ID           string           `json:"id"`
	Code         string           `json:"code"` // Short, shareable room code (e.g., "K7QM3X")
	CreatorID    string           `json:"creatorId,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	JoinLink     string           `json:"joinLink"`
	Participants []ParticipantRef `json:"participants"`
}

// ParticipantRef identifies one session attempt of one party.
type ParticipantRef struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"lastSeen"`
}

// StartSessionRequest is the request body for starting or joining a session
type StartSessionRequest struct {
	RoomID string `json:"roomId,omitempty"`
}

// StartSessionResponse is returned once a local session is running
type StartSessionResponse struct {
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
	Code      string `json:"code"`
	JoinLink  string `json:"joinLink"`
}

// ToggleResponse reports the media state after a toggle
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// RoomInfo is the public view of a room
type RoomInfo struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`
	CreatedAt        time.Time `json:"createdAt"`
	JoinLink         string    `json:"joinLink"`
	ParticipantCount int       `json:"participantCount"`
	MaxParticipants  int       `json:"maxParticipants"`
}
