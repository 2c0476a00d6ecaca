package models

// EventType names what a session event carries.
type EventType string

const (
	EventRoomCreated      EventType = "room_created"
	EventConnectionState  EventType = "connection_state"
	EventParticipantCount EventType = "participant_count"
	EventRemoteStream     EventType = "remote_stream"
	EventMediaState       EventType = "media_state"
	EventSignalingError   EventType = "signaling_error"
)

// Event is pushed to the UI over the session's event stream
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Data      any       `json:"data,omitempty"`
}

// SessionStatus is the snapshot returned by GET /api/sessions/:sessionId
type SessionStatus struct {
	SessionID        string  `json:"sessionId"`
	ParticipantID    string  `json:"participantId"`
	State            string  `json:"state"`
	Error            string  `json:"error,omitempty"`
	Room             Session `json:"room"`
	ParticipantCount int     `json:"participantCount"`
	Media            any     `json:"media"`
	RemoteStream     any     `json:"remoteStream"`
}
