// Package call owns the per-pairing session lifecycle and the signaling
// relay between the two bound connections. A Session is the only place
// session state lives: who sends the offer, which SDP legs have been
// relayed, and the per-side pending ICE queues. The state machine is the
// sole mutator of Session state; the relay goes through it.
package call

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Kind distinguishes anonymous stranger pairings from private calls.
type Kind string

const (
	KindStranger     Kind = "stranger"
	KindPrivateAudio Kind = "private-audio"
	KindPrivateVideo Kind = "private-video"
)

// Session states.
const (
	StateConnecting = "connecting" // peers assigned, SDP exchange pending
	StateRinging    = "ringing"    // private call: target notified, awaiting accept
	StateActive     = "active"     // both SDP legs relayed, media assumed flowing
	StateEnded      = "ended"      // terminal
)

// Reason describes why a session reached its terminal state.
type Reason string

const (
	ReasonRejected      Reason = "rejected"
	ReasonPeerLost      Reason = "peerLost"
	ReasonSkipped       Reason = "skipped"
	ReasonHangup        Reason = "hangup"
	ReasonTimeout       Reason = "timeout"
	ReasonProtocolAbuse Reason = "protocolAbuse"
	ReasonInternal      Reason = "internalError"
)

// Sentinel errors surfaced to callers. Per-session errors are always
// session-scoped; none of them affects unrelated sessions.
var (
	ErrSessionNotFound   = errors.New("call: session not found")
	ErrNotAParticipant   = errors.New("call: sender is not a session participant")
	ErrProtocolViolation = errors.New("call: out-of-sequence signaling message")
	ErrPeerUnreachable   = errors.New("call: target user has no live connection")
	ErrBusy              = errors.New("call: participant already in a session")
)

// Repeated protocol violations within this window force the session to end
// with ReasonProtocolAbuse. A single violation only rejects the message, so
// client retransmits do not kill the session.
const (
	violationLimit  = 5
	violationWindow = 10 * time.Second
)

// participant is one side of a session. remoteDescSet tracks whether the
// peer's SDP has been relayed to this side; until then inbound candidates
// for this side wait in pendingICE.
type participant struct {
	connID        string
	userID        string
	profile       json.RawMessage
	remoteDescSet bool
	pendingICE    []json.RawMessage
}

// ParticipantRef identifies one session participant for callers outside the
// package (report validation, tests).
type ParticipantRef struct {
	ConnID string
	UserID string
}

// Session is one active pairing. All fields behind mu are owned by the state
// machine; the relay mutates them only through Manager methods that hold mu.
type Session struct {
	ID        string
	Kind      Kind
	StartedAt time.Time

	mu        sync.Mutex
	state     string
	a, b      participant
	initiator string // connID responsible for the SDP offer

	offerRelayed  bool
	answerRelayed bool
	violations    []time.Time

	// timer guards Connecting/Ringing against a peer that vanished without
	// a clean disconnect. Replaced on state transitions, stopped exactly
	// once when the session turns terminal.
	timer *time.Timer
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initiator returns the connection that sends the SDP offer.
func (s *Session) Initiator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiator
}

// Participants returns both sides, longest-bound first.
func (s *Session) Participants() [2]ParticipantRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return [2]ParticipantRef{
		{ConnID: s.a.connID, UserID: s.a.userID},
		{ConnID: s.b.connID, UserID: s.b.userID},
	}
}

// side returns the participant for connID and its peer. Callers must hold mu.
func (s *Session) side(connID string) (me, peer *participant, ok bool) {
	switch connID {
	case s.a.connID:
		return &s.a, &s.b, true
	case s.b.connID:
		return &s.b, &s.a, true
	default:
		return nil, nil, false
	}
}

// recordViolation notes a protocol violation and reports whether the abuse
// threshold was crossed. Callers must hold mu.
func (s *Session) recordViolation(now time.Time) bool {
	cutoff := now.Add(-violationWindow)
	kept := s.violations[:0]
	for _, t := range s.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.violations = append(kept, now)
	return len(s.violations) >= violationLimit
}
