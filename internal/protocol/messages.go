// Package protocol defines the WebSocket message types exchanged between the
// browser client and the signaling core. All messages are JSON with a "type"
// discriminator; SDP payloads and ICE candidates are carried verbatim and
// never parsed by the server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister     = "register"
	TypeQueueJoin    = "queue:join"
	TypeQueueLeave   = "queue:leave"
	TypeCallInitiate = "call:initiate"
	TypeCallAccept   = "call:accept"
	TypeCallReject   = "call:reject"
	TypeCallHangup   = "call:hangup"
	TypeSessionSkip  = "session:skip"
	TypeSignalOffer  = "signal:offer"
	TypeSignalAnswer = "signal:answer"
	TypeSignalIce    = "signal:ice"
	TypeReportSubmit = "report:submit"
	TypePing         = "ping"
)

// Server -> Client message types. The signal:* types are shared with the
// client->server direction since relayed frames keep their type.
const (
	TypeRegistered     = "registered"
	TypeQueueWaiting   = "queue:waiting"
	TypeMatched        = "matched"
	TypeCallRinging    = "call:ringing"
	TypeCallRejected   = "call:rejected"
	TypeSessionEnded   = "session:ended"
	TypeReportAccepted = "report:accepted"
	TypeReportRejected = "report:rejected"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// Capabilities are the per-connection privacy and feature flags declared at
// registration time. They control what a paired stranger may see or do.
type Capabilities struct {
	AllowFriendRequests bool `json:"allow_friend_requests"`
	DiscloseIdentity    bool `json:"disclose_identity"`
}

// RegisterMsg binds a logical user identity to this connection.
type RegisterMsg struct {
	Type         string       `json:"type"`
	UserID       string       `json:"user_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// QueueJoinMsg enters the stranger matching queue. The profile snapshot is an
// opaque bag already filtered by the client's privacy settings; the server
// relays it to the matched peer without interpreting it.
type QueueJoinMsg struct {
	Type    string          `json:"type"`
	Profile json.RawMessage `json:"profile"`
}

// QueueLeaveMsg leaves the matching queue.
type QueueLeaveMsg struct {
	Type string `json:"type"`
}

// CallInitiateMsg starts a private call to a known user.
type CallInitiateMsg struct {
	Type         string `json:"type"`
	TargetUserID string `json:"target_user_id"`
	Kind         string `json:"kind"` // "audio" or "video"
}

// CallAcceptMsg accepts an incoming private call.
type CallAcceptMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CallRejectMsg declines an incoming private call.
type CallRejectMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CallHangupMsg ends a session the sender participates in.
type CallHangupMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionSkipMsg skips the current stranger session; both sides are returned
// to the queue if still connected.
type SessionSkipMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SignalOfferMsg carries the initiator's SDP offer.
type SignalOfferMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

// SignalAnswerMsg carries the non-initiator's SDP answer.
type SignalAnswerMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

// SignalIceMsg carries one ICE candidate, opaque to the server.
type SignalIceMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Candidate json.RawMessage `json:"candidate"`
}

// ReportSubmitMsg reports the peer of a current or recent session. Evidence
// is an opaque payload handed to the moderation service.
type ReportSubmitMsg struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"session_id"`
	TargetUserID string          `json:"target_user_id"`
	Evidence     json.RawMessage `json:"evidence"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// RegisteredMsg confirms identity registration.
type RegisteredMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// QueueWaitingMsg confirms the client entered the matching queue.
type QueueWaitingMsg struct {
	Type string `json:"type"`
}

// MatchedMsg announces a new session to a participant. Initiator tells the
// recipient whether it is responsible for sending the SDP offer.
type MatchedMsg struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	PeerProfile json.RawMessage `json:"peer_profile,omitempty"`
	Initiator   bool            `json:"initiator"`
}

// CallRingingMsg notifies the target of an incoming private call.
type CallRingingMsg struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"session_id"`
	Kind          string          `json:"kind"`
	CallerProfile json.RawMessage `json:"caller_profile,omitempty"`
}

// CallRejectedMsg tells the caller the target declined.
type CallRejectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SessionEndedMsg announces a terminal session transition to a participant.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ReportAcceptedMsg confirms a report was validated and forwarded.
type ReportAcceptedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ReportRejectedMsg tells the reporter why the report was declined.
type ReportRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQueueJoin:
		var m QueueJoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeQueueLeave:
		var m QueueLeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallInitiate:
		var m CallInitiateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallAccept:
		var m CallAcceptMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallReject:
		var m CallRejectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallHangup:
		var m CallHangupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSessionSkip:
		var m SessionSkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalOffer:
		var m SignalOfferMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalAnswer:
		var m SignalAnswerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalIce:
		var m SignalIceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportSubmit:
		var m ReportSubmitMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key so callers
// can leave the Type field zero on the payload struct.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
