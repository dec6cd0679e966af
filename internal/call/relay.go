package call

import (
	"encoding/json"
	"log"
	"time"

	"github.com/zn4editz-pixel/z-app-sub001/internal/metrics"
	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
)

// Relay forwards SDP and ICE frames between the two sides of a session. The
// server never parses SDP or candidates; frames are relayed verbatim. All
// per-frame validation happens here under the session lock, and relayed
// frames for one session are written under that same lock so a receiver
// never observes candidates ahead of the SDP they belong to.
type Relay struct {
	m *Manager
}

// NewRelay creates a Relay backed by the given session manager.
func NewRelay(m *Manager) *Relay {
	return &Relay{m: m}
}

// Offer relays the initiator's SDP offer to the peer. Exactly one offer is
// accepted per session, only from the initiator, and only while the session
// is in the Connecting state. An offer sent during Ringing is rejected: the
// caller must wait for the matched event that follows the accept.
func (r *Relay) Offer(sessionID, connID string, raw []byte) error {
	s, err := r.m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	_, peer, ok := s.side(connID)
	if !ok {
		s.mu.Unlock()
		return ErrNotAParticipant
	}
	if connID != s.initiator || s.state != StateConnecting || s.offerRelayed {
		return r.violation(s, sessionID, connID, "offer")
	}
	s.offerRelayed = true
	peer.remoteDescSet = true
	pending := peer.pendingICE
	peer.pendingICE = nil

	// SDP exchange has started; give the answer its own full window.
	s.timer.Stop()
	s.timer = time.AfterFunc(r.m.cfg.ConnectTimeout, func() {
		_ = r.m.End(s.ID, ReasonTimeout, "")
	})

	r.send(peer.connID, raw)
	r.flush(s, peer.connID, pending)
	s.mu.Unlock()

	metrics.SignalingMessages.WithLabelValues("offer").Inc()
	return nil
}

// Answer relays the non-initiator's SDP answer back to the initiator and
// activates the session. Exactly one answer is accepted, only after the
// offer has been relayed.
func (r *Relay) Answer(sessionID, connID string, raw []byte) error {
	s, err := r.m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	_, peer, ok := s.side(connID)
	if !ok {
		s.mu.Unlock()
		return ErrNotAParticipant
	}
	if connID == s.initiator || s.state != StateConnecting || !s.offerRelayed || s.answerRelayed {
		return r.violation(s, sessionID, connID, "answer")
	}
	s.answerRelayed = true
	s.state = StateActive
	s.timer.Stop()
	peer.remoteDescSet = true
	pending := peer.pendingICE
	peer.pendingICE = nil

	r.send(peer.connID, raw)
	r.flush(s, peer.connID, pending)
	s.mu.Unlock()

	log.Printf("[call] session %s active", sessionID)
	metrics.SignalingMessages.WithLabelValues("answer").Inc()
	return nil
}

// ICE relays one candidate to the sender's peer. Candidates arriving before
// the peer has its remote description are buffered on the peer's side and
// flushed in arrival order right after the SDP frame that unblocks them.
// Candidates for a session that already ended are dropped without error,
// since trickle ICE keeps flowing for a moment after teardown.
func (r *Relay) ICE(sessionID, connID string, msg protocol.SignalIceMsg, raw []byte) error {
	s, err := r.m.get(sessionID)
	if err != nil {
		if err == ErrSessionNotFound && r.m.wasEnded(sessionID) {
			return nil
		}
		return err
	}
	if len(msg.Candidate) == 0 {
		return ErrProtocolViolation
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	_, peer, ok := s.side(connID)
	if !ok {
		s.mu.Unlock()
		return ErrNotAParticipant
	}
	if !peer.remoteDescSet {
		buf := make(json.RawMessage, len(raw))
		copy(buf, raw)
		peer.pendingICE = append(peer.pendingICE, buf)
		s.mu.Unlock()
		metrics.SignalingMessages.WithLabelValues("ice_buffered").Inc()
		return nil
	}
	r.send(peer.connID, raw)
	s.mu.Unlock()

	metrics.SignalingMessages.WithLabelValues("ice").Inc()
	return nil
}

// violation records a protocol violation and releases the session lock. The
// abuse-triggered End runs after the lock is dropped since End re-acquires
// it.
func (r *Relay) violation(s *Session, sessionID, connID, what string) error {
	abuse := s.recordViolation(time.Now())
	s.mu.Unlock()

	metrics.ProtocolViolations.Inc()
	log.Printf("[call] session %s: out-of-sequence %s from %s", sessionID, what, connID)
	if abuse {
		_ = r.m.End(sessionID, ReasonProtocolAbuse, connID)
	}
	return ErrProtocolViolation
}

// flush writes buffered candidate frames in arrival order. Callers hold the
// session lock, which is what guarantees nothing interleaves between the
// SDP frame and its buffered candidates.
func (r *Relay) flush(s *Session, connID string, pending []json.RawMessage) {
	for _, frame := range pending {
		r.send(connID, frame)
	}
	if len(pending) > 0 {
		log.Printf("[call] session %s: flushed %d buffered candidates to %s", s.ID, len(pending), connID)
	}
}

func (r *Relay) send(connID string, frame []byte) {
	if err := r.m.sender.Send(connID, frame); err != nil {
		log.Printf("[call] relay to %s: %v", connID, err)
	}
}
