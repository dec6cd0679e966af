package call

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zn4editz-pixel/z-app-sub001/internal/match"
	"github.com/zn4editz-pixel/z-app-sub001/internal/metrics"
	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
)

// endedRetention is how long a terminated session stays in the
// recently-ended ledger so that a report filed just after a skip can still
// be validated against the pairing.
const endedRetention = 5 * time.Minute

// Sender delivers an encoded server message to a connection. Implemented by
// the WebSocket server.
type Sender interface {
	Send(connID string, data []byte) error
}

// EventPublisher receives terminal session events for downstream consumers
// (analytics, dashboards). Optional.
type EventPublisher interface {
	PublishSessionEnded(data []byte) error
}

// EndedEvent is the payload published on terminal transitions.
type EndedEvent struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	UserA     string `json:"user_a"`
	UserB     string `json:"user_b"`
	Duration  int64  `json:"duration_ms"`
	Ts        int64  `json:"ts"`
}

// Config holds Manager dependencies and tunables. Zero-value timeouts get
// defaults; all funcs are optional except where noted.
type Config struct {
	ConnectTimeout time.Duration // max time in Connecting without progress (default 30s)
	RingTimeout    time.Duration // max time in Ringing awaiting accept (default 15s)

	// Requeue re-submits a stranger participant to the matching queue after
	// its session ends.
	Requeue func(match.Entry)

	// IsConnected reports whether a connection is still registered; gates
	// re-queueing and avoids notifying gone peers.
	IsConnected func(connID string) bool

	// ProfileFor returns the display profile disclosed for a connection in
	// the private-call path (already privacy-filtered). May return nil.
	ProfileFor func(connID string) json.RawMessage

	// Events, when set, receives EndedEvent payloads.
	Events EventPublisher
}

type endedRecord struct {
	participants [2]ParticipantRef
	endedAt      time.Time
}

// Manager owns the session table. It is the only component that creates,
// transitions, and destroys sessions. Sessions are independent: the table
// lock covers only map access, every transition runs under the session's
// own lock.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[string]string // connID -> sessionID
	ended    map[string]endedRecord

	sender Sender
	cfg    Config
}

// NewManager creates a Manager sending outbound events through sender.
func NewManager(sender Sender, cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 15 * time.Second
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		ended:    make(map[string]endedRecord),
		sender:   sender,
		cfg:      cfg,
	}
}

// ---------------------------------------------------------------------------
// Creation
// ---------------------------------------------------------------------------

// CreateStranger builds a Connecting session for two queue entries. Called
// synchronously from the match actor, so the entries are already removed
// from the queue. The longer-waiting entry becomes the initiator, which
// keeps offer ownership deterministic and glare impossible.
func (m *Manager) CreateStranger(a, b match.Entry) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		Kind:      KindStranger,
		StartedAt: time.Now(),
		state:     StateConnecting,
		a:         participant{connID: a.ConnID, userID: a.UserID, profile: a.Profile},
		b:         participant{connID: b.ConnID, userID: b.UserID, profile: b.Profile},
		initiator: a.ConnID,
	}

	// Arm the timer before the session becomes reachable through the table;
	// once published, a concurrent End may read s.timer at any moment.
	s.timer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		_ = m.End(s.ID, ReasonTimeout, "")
	})

	m.mu.Lock()
	if _, busyA := m.byConn[a.ConnID]; busyA {
		m.mu.Unlock()
		s.timer.Stop()
		m.abortDoublePairing(s, a.ConnID)
		return nil
	}
	if _, busyB := m.byConn[b.ConnID]; busyB {
		m.mu.Unlock()
		s.timer.Stop()
		m.abortDoublePairing(s, b.ConnID)
		return nil
	}
	m.sessions[s.ID] = s
	m.byConn[a.ConnID] = s.ID
	m.byConn[b.ConnID] = s.ID
	m.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(KindStranger)).Inc()
	log.Printf("[call] stranger session %s created a=%s b=%s initiator=%s",
		s.ID, a.ConnID, b.ConnID, s.initiator)

	m.notify(a.ConnID, protocol.TypeMatched, protocol.MatchedMsg{
		SessionID: s.ID, PeerProfile: b.Profile, Initiator: true,
	})
	m.notify(b.ConnID, protocol.TypeMatched, protocol.MatchedMsg{
		SessionID: s.ID, PeerProfile: a.Profile, Initiator: false,
	})
	return s
}

// abortDoublePairing handles the invariant violation where a pairing arrives
// for a connection that already sits in a session. Fatal to this pairing
// only: both sides get a generic failure, the existing session is untouched.
// Runs on the match actor goroutine, so the requeue must go through a fresh
// goroutine: a synchronous Requeue would call back into the actor and wedge
// it on its own request channel.
func (m *Manager) abortDoublePairing(s *Session, conflict string) {
	log.Printf("[call] double-pairing detected for %s, aborting session %s", conflict, s.ID)
	metrics.SessionsEnded.WithLabelValues(string(ReasonInternal)).Inc()
	for _, p := range []participant{s.a, s.b} {
		if p.connID == conflict {
			continue
		}
		m.notify(p.connID, protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: s.ID, Reason: string(ReasonInternal),
		})
		go m.requeueEntry(p)
	}
}

// InitiatePrivate creates a Ringing session between the caller and a known
// target user. Fails with ErrPeerUnreachable if the target has no live
// connection and ErrBusy if either side is already in a session.
func (m *Manager) InitiatePrivate(callerConn, callerUser string, targetConn, targetUser string, kind Kind) (*Session, error) {
	s := &Session{
		ID:        uuid.New().String(),
		Kind:      kind,
		StartedAt: time.Now(),
		state:     StateRinging,
		a:         participant{connID: callerConn, userID: callerUser},
		b:         participant{connID: targetConn, userID: targetUser},
		initiator: callerConn,
	}
	if m.cfg.ProfileFor != nil {
		s.a.profile = m.cfg.ProfileFor(callerConn)
		s.b.profile = m.cfg.ProfileFor(targetConn)
	}

	// Armed before publication for the same reason as in CreateStranger.
	s.timer = time.AfterFunc(m.cfg.RingTimeout, func() {
		_ = m.End(s.ID, ReasonTimeout, "")
	})

	m.mu.Lock()
	if _, busy := m.byConn[callerConn]; busy {
		m.mu.Unlock()
		s.timer.Stop()
		return nil, ErrBusy
	}
	if _, busy := m.byConn[targetConn]; busy {
		m.mu.Unlock()
		s.timer.Stop()
		return nil, ErrBusy
	}
	m.sessions[s.ID] = s
	m.byConn[callerConn] = s.ID
	m.byConn[targetConn] = s.ID
	m.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues(string(kind)).Inc()
	log.Printf("[call] private %s session %s caller=%s target=%s", kind, s.ID, callerUser, targetUser)

	m.notify(targetConn, protocol.TypeCallRinging, protocol.CallRingingMsg{
		SessionID: s.ID, Kind: string(kind), CallerProfile: s.a.profile,
	})
	return s, nil
}

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

// Accept transitions a ringing private call to Connecting. Only the callee
// may accept. Both sides then receive a matched event; the initiator flag
// acknowledges that the caller may now send its offer, which resolves the
// accept-versus-buffered-offer race on the client.
func (m *Manager) Accept(sessionID, connID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	if _, _, ok := s.side(connID); !ok {
		s.mu.Unlock()
		return ErrNotAParticipant
	}
	if s.state != StateRinging || connID == s.initiator {
		abuse := s.recordViolation(time.Now())
		s.mu.Unlock()
		metrics.ProtocolViolations.Inc()
		if abuse {
			_ = m.End(sessionID, ReasonProtocolAbuse, connID)
		}
		return ErrProtocolViolation
	}
	s.state = StateConnecting
	s.timer.Stop()
	s.timer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		_ = m.End(s.ID, ReasonTimeout, "")
	})
	caller, callee := s.a, s.b
	s.mu.Unlock()

	log.Printf("[call] session %s accepted by %s", sessionID, connID)
	m.notify(caller.connID, protocol.TypeMatched, protocol.MatchedMsg{
		SessionID: s.ID, PeerProfile: callee.profile, Initiator: true,
	})
	m.notify(callee.connID, protocol.TypeMatched, protocol.MatchedMsg{
		SessionID: s.ID, PeerProfile: caller.profile, Initiator: false,
	})
	return nil
}

// Reject declines a ringing private call. Only the callee may reject; the
// caller additionally receives call:rejected ahead of the ended broadcast.
func (m *Manager) Reject(sessionID, connID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil // already terminal, acknowledge
	}
	if _, _, ok := s.side(connID); !ok {
		s.mu.Unlock()
		return ErrNotAParticipant
	}
	if connID == s.initiator || (s.state != StateRinging && s.state != StateConnecting) {
		s.mu.Unlock()
		metrics.ProtocolViolations.Inc()
		return ErrProtocolViolation
	}
	caller := s.a.connID
	s.mu.Unlock()

	m.notify(caller, protocol.TypeCallRejected, protocol.CallRejectedMsg{SessionID: sessionID})
	return m.End(sessionID, ReasonRejected, connID)
}

// Hangup ends a session on behalf of one participant. The participant who
// hung up is not re-queued; a still-connected stranger peer is.
func (m *Manager) Hangup(sessionID, connID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		if err == ErrSessionNotFound && m.wasEnded(sessionID) {
			return nil // late duplicate, acknowledge
		}
		return err
	}
	if !m.isParticipant(s, connID) {
		return ErrNotAParticipant
	}
	return m.End(sessionID, ReasonHangup, connID)
}

// Skip ends a stranger session; both still-connected sides go back to the
// queue. Skipping a private call is a protocol violation.
func (m *Manager) Skip(sessionID, connID string) error {
	s, err := m.get(sessionID)
	if err != nil {
		if err == ErrSessionNotFound && m.wasEnded(sessionID) {
			return nil
		}
		return err
	}
	if !m.isParticipant(s, connID) {
		return ErrNotAParticipant
	}
	if s.Kind != KindStranger {
		metrics.ProtocolViolations.Inc()
		return ErrProtocolViolation
	}
	return m.End(sessionID, ReasonSkipped, connID)
}

// PeerLost ends the session owning connID, if any. Invoked from the
// presence unregister hook and from transport-level closure.
func (m *Manager) PeerLost(connID string) {
	m.mu.RLock()
	sessionID, ok := m.byConn[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	_ = m.End(sessionID, ReasonPeerLost, connID)
}

// End drives the terminal transition. The first terminal event wins: any
// later End for the same session returns nil without re-firing
// notifications. Both participants are told before the session is forgotten,
// so neither can be recycled into a new pairing with a stale terminal
// message still pending.
func (m *Manager) End(sessionID string, reason Reason, by string) error {
	s, err := m.get(sessionID)
	if err != nil {
		if m.wasEnded(sessionID) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnded
	if s.timer != nil {
		s.timer.Stop()
	}
	a, b := s.a, s.b
	s.mu.Unlock()

	// Remove from the table and remember the pairing for report validation.
	m.mu.Lock()
	delete(m.sessions, sessionID)
	if m.byConn[a.connID] == sessionID {
		delete(m.byConn, a.connID)
	}
	if m.byConn[b.connID] == sessionID {
		delete(m.byConn, b.connID)
	}
	m.ended[sessionID] = endedRecord{
		participants: [2]ParticipantRef{
			{ConnID: a.connID, UserID: a.userID},
			{ConnID: b.connID, UserID: b.userID},
		},
		endedAt: time.Now(),
	}
	m.pruneEndedLocked()
	m.mu.Unlock()

	duration := time.Since(s.StartedAt)
	metrics.ActiveSessions.WithLabelValues(string(s.Kind)).Dec()
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()
	metrics.SessionDuration.Observe(duration.Seconds())
	log.Printf("[call] session %s ended reason=%s by=%s after %s",
		sessionID, reason, by, duration.Round(time.Millisecond))

	for _, p := range []participant{a, b} {
		if m.cfg.IsConnected != nil && !m.cfg.IsConnected(p.connID) {
			continue
		}
		m.notify(p.connID, protocol.TypeSessionEnded, protocol.SessionEndedMsg{
			SessionID: sessionID, Reason: string(reason),
		})
	}

	// Stranger participants go straight back to the queue unless they
	// explicitly walked away (hangup / abuse) or are gone.
	if s.Kind == KindStranger {
		for _, p := range []participant{a, b} {
			if p.connID == by && (reason == ReasonHangup || reason == ReasonProtocolAbuse) {
				continue
			}
			m.requeueEntry(p)
		}
	}

	if m.cfg.Events != nil {
		payload, err := json.Marshal(EndedEvent{
			SessionID: sessionID,
			Kind:      string(s.Kind),
			Reason:    string(reason),
			UserA:     a.userID,
			UserB:     b.userID,
			Duration:  duration.Milliseconds(),
			Ts:        time.Now().Unix(),
		})
		if err == nil {
			if err := m.cfg.Events.PublishSessionEnded(payload); err != nil {
				log.Printf("[call] publish ended event for %s: %v", sessionID, err)
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// InSession reports whether a connection currently belongs to a live
// session. Wired into the match queue's join guard.
func (m *Manager) InSession(connID string) bool {
	m.mu.RLock()
	_, ok := m.byConn[connID]
	m.mu.RUnlock()
	return ok
}

// SessionParticipants returns the two participants of a live or recently
// ended session.
func (m *Manager) SessionParticipants(sessionID string) ([2]ParticipantRef, bool) {
	m.mu.RLock()
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return s.Participants(), true
	}
	rec, ok := m.ended[sessionID]
	m.mu.RUnlock()
	if !ok || time.Since(rec.endedAt) > endedRetention {
		return [2]ParticipantRef{}, false
	}
	return rec.participants, true
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	return n
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) wasEnded(sessionID string) bool {
	m.mu.RLock()
	rec, ok := m.ended[sessionID]
	m.mu.RUnlock()
	return ok && time.Since(rec.endedAt) <= endedRetention
}

func (m *Manager) isParticipant(s *Session, connID string) bool {
	s.mu.Lock()
	_, _, ok := s.side(connID)
	s.mu.Unlock()
	return ok
}

// pruneEndedLocked drops expired ledger entries. Callers must hold mu.
func (m *Manager) pruneEndedLocked() {
	cutoff := time.Now().Add(-endedRetention)
	for id, rec := range m.ended {
		if rec.endedAt.Before(cutoff) {
			delete(m.ended, id)
		}
	}
}

func (m *Manager) requeueEntry(p participant) {
	if m.cfg.Requeue == nil {
		return
	}
	if m.cfg.IsConnected != nil && !m.cfg.IsConnected(p.connID) {
		return
	}
	m.cfg.Requeue(match.Entry{ConnID: p.connID, UserID: p.userID, Profile: p.profile})
}

func (m *Manager) notify(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[call] build %s for %s: %v", msgType, connID, err)
		return
	}
	if err := m.sender.Send(connID, data); err != nil {
		log.Printf("[call] send %s to %s: %v", msgType, connID, err)
	}
}
