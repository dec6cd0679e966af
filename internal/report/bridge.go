package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zn4editz-pixel/z-app-sub001/internal/call"
	"github.com/zn4editz-pixel/z-app-sub001/internal/metrics"
	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
)

// Validation errors returned by the bridge.
var (
	ErrSessionNotFound = errors.New("report: session not found or expired")
	ErrNotAParticipant = errors.New("report: reporter was not a session participant")
	ErrTargetMismatch  = errors.New("report: target was not the reporter's peer")
)

// SessionLedger resolves a session id to its two participants. Implemented
// by the call manager, which keeps recently ended sessions resolvable for a
// few minutes so a report filed right after a skip still validates.
type SessionLedger interface {
	SessionParticipants(sessionID string) ([2]call.ParticipantRef, bool)
}

// Forwarder delivers a validated report payload to the moderation service.
type Forwarder interface {
	PublishReport(data []byte) error
}

// priorReportsWindow bounds the durable report count attached to forwarded
// payloads. Matches the moderation service's 24h counter window.
const priorReportsWindow = 24 * time.Hour

// ForwardedReport is the payload published to the moderation service.
// PriorReports counts persisted reports against the target in the last 24h,
// including this one; it is 0 when persistence is disabled, in which case
// the moderator falls back to its own Redis counter alone.
type ForwardedReport struct {
	SessionID      string          `json:"session_id"`
	ReporterUserID string          `json:"reporter_user_id"`
	TargetUserID   string          `json:"target_user_id"`
	Evidence       json.RawMessage `json:"evidence,omitempty"`
	PriorReports   int             `json:"prior_reports"`
	Ts             int64           `json:"ts"`
}

// Bridge validates incoming reports against the session ledger before
// persisting and forwarding them. Clients never talk to the moderation
// service directly.
type Bridge struct {
	ledger    SessionLedger
	store     *Store // optional, nil disables persistence
	forwarder Forwarder
}

// NewBridge creates a Bridge. The store may be nil.
func NewBridge(ledger SessionLedger, store *Store, forwarder Forwarder) *Bridge {
	return &Bridge{ledger: ledger, store: store, forwarder: forwarder}
}

// ValidateAndForward checks that the reporter participated in the named
// session and that the target was the reporter's peer, then persists and
// forwards the report. A report naming a session the reporter was never
// part of is rejected without reaching the moderation service.
func (b *Bridge) ValidateAndForward(ctx context.Context, reporterUserID string, msg protocol.ReportSubmitMsg) error {
	participants, ok := b.ledger.SessionParticipants(msg.SessionID)
	if !ok {
		metrics.ReportsSubmitted.WithLabelValues("rejected").Inc()
		return ErrSessionNotFound
	}

	var peer string
	switch reporterUserID {
	case participants[0].UserID:
		peer = participants[1].UserID
	case participants[1].UserID:
		peer = participants[0].UserID
	default:
		metrics.ReportsSubmitted.WithLabelValues("rejected").Inc()
		return ErrNotAParticipant
	}

	target := msg.TargetUserID
	if target == "" {
		target = peer
	} else if target != peer {
		metrics.ReportsSubmitted.WithLabelValues("rejected").Inc()
		return ErrTargetMismatch
	}

	var priorReports int
	if b.store != nil {
		err := b.store.Create(ctx, &Report{
			SessionID:      msg.SessionID,
			ReporterUserID: reporterUserID,
			TargetUserID:   target,
			Evidence:       msg.Evidence,
		})
		if err != nil {
			// Persistence failure does not block moderation delivery.
			log.Printf("[report] persist report for session %s: %v", msg.SessionID, err)
		}
		if n, err := b.store.CountRecent(ctx, target, priorReportsWindow); err != nil {
			log.Printf("[report] count recent for %s: %v", target, err)
		} else {
			priorReports = n
		}
	}

	payload, err := json.Marshal(ForwardedReport{
		SessionID:      msg.SessionID,
		ReporterUserID: reporterUserID,
		TargetUserID:   target,
		Evidence:       msg.Evidence,
		PriorReports:   priorReports,
		Ts:             time.Now().Unix(),
	})
	if err != nil {
		metrics.ReportsSubmitted.WithLabelValues("rejected").Inc()
		return fmt.Errorf("report: marshal forwarded report: %w", err)
	}
	if err := b.forwarder.PublishReport(payload); err != nil {
		metrics.ReportsSubmitted.WithLabelValues("rejected").Inc()
		return fmt.Errorf("report: forward to moderation: %w", err)
	}

	metrics.ReportsSubmitted.WithLabelValues("accepted").Inc()
	log.Printf("[report] accepted report session=%s target=%s", msg.SessionID, target)
	return nil
}
