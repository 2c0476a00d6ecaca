package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalType is the kind of a session-control message exchanged through the relay.
type SignalType string

const (
	SignalTypeOffer             SignalType = "offer"
	SignalTypeAnswer            SignalType = "answer"
	SignalTypeICECandidate      SignalType = "ice-candidate"
	SignalTypeParticipantJoined SignalType = "participant-joined"
	SignalTypeParticipantLeft   SignalType = "participant-left"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate,
		SignalTypeParticipantJoined, SignalTypeParticipantLeft:
		return true
	}
	return false
}

// SignalingMessage is the wire envelope stored in the shared log. It is
// immutable once published.
type SignalingMessage struct {
	ID        string          `json:"id"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"senderId"`
	Timestamp int64           `json:"timestamp"`
}

// Time returns the publish time (the timestamp is stored in milliseconds).
func (m SignalingMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// SessionDescription mirrors the standard RTCSessionDescriptionInit object.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors RTCIceCandidateInit. A nil Candidate marks the end of
// candidates.
type ICECandidate struct {
	Candidate     *string `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

func (c ICECandidate) EndOfCandidates() bool {
	return c.Candidate == nil
}

// Presence is the payload of participant-joined / participant-left.
type Presence struct {
	ParticipantID string `json:"participantId"`
}

// NewMessage builds an unpublished message with a JSON payload. The relay
// fills in id, sender and timestamp.
func NewMessage(t SignalType, payload any) (SignalingMessage, error) {
	msg := SignalingMessage{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

func (m SignalingMessage) SessionDescription() (SessionDescription, error) {
	var sd SessionDescription
	if err := json.Unmarshal(m.Payload, &sd); err != nil {
		return sd, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return sd, nil
}

func (m SignalingMessage) ICECandidate() (ICECandidate, error) {
	var c ICECandidate
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return c, nil
	}
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return c, fmt.Errorf("decode ice-candidate payload: %w", err)
	}
	return c, nil
}

func (m SignalingMessage) Presence() (Presence, error) {
	var p Presence
	if len(m.Payload) == 0 {
		return Presence{ParticipantID: m.SenderID}, nil
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	if p.ParticipantID == "" {
		p.ParticipantID = m.SenderID
	}
	return p, nil
}
