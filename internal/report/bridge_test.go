package report

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/zn4editz-pixel/z-app-sub001/internal/call"
	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
)

// fakeLedger resolves a single known session.
type fakeLedger struct {
	sessionID    string
	participants [2]call.ParticipantRef
}

func (f *fakeLedger) SessionParticipants(sessionID string) ([2]call.ParticipantRef, bool) {
	if sessionID != f.sessionID {
		return [2]call.ParticipantRef{}, false
	}
	return f.participants, true
}

// fakeForwarder records published payloads.
type fakeForwarder struct {
	published [][]byte
}

func (f *fakeForwarder) PublishReport(data []byte) error {
	f.published = append(f.published, data)
	return nil
}

func newBridgeFixture() (*Bridge, *fakeForwarder) {
	ledger := &fakeLedger{
		sessionID: "s-1",
		participants: [2]call.ParticipantRef{
			{ConnID: "conn-a", UserID: "user-a"},
			{ConnID: "conn-b", UserID: "user-b"},
		},
	}
	fwd := &fakeForwarder{}
	return NewBridge(ledger, nil, fwd), fwd
}

func TestValidateAndForward_Accepted(t *testing.T) {
	bridge, fwd := newBridgeFixture()

	err := bridge.ValidateAndForward(context.Background(), "user-a", protocol.ReportSubmitMsg{
		SessionID:    "s-1",
		TargetUserID: "user-b",
		Evidence:     json.RawMessage(`{"note":"abusive"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fwd.published) != 1 {
		t.Fatalf("expected 1 forwarded report, got %d", len(fwd.published))
	}

	var out ForwardedReport
	if err := json.Unmarshal(fwd.published[0], &out); err != nil {
		t.Fatalf("decode forwarded report: %v", err)
	}
	if out.SessionID != "s-1" || out.ReporterUserID != "user-a" || out.TargetUserID != "user-b" {
		t.Errorf("unexpected forwarded payload %+v", out)
	}
	if out.PriorReports != 0 {
		t.Errorf("without persistence the durable count must be 0, got %d", out.PriorReports)
	}
}

func TestValidateAndForward_TargetInferredFromPeer(t *testing.T) {
	bridge, fwd := newBridgeFixture()

	err := bridge.ValidateAndForward(context.Background(), "user-b", protocol.ReportSubmitMsg{
		SessionID: "s-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out ForwardedReport
	if err := json.Unmarshal(fwd.published[0], &out); err != nil {
		t.Fatalf("decode forwarded report: %v", err)
	}
	if out.TargetUserID != "user-a" {
		t.Errorf("expected target user-a, got %q", out.TargetUserID)
	}
}

func TestValidateAndForward_UnknownSession(t *testing.T) {
	bridge, fwd := newBridgeFixture()

	err := bridge.ValidateAndForward(context.Background(), "user-a", protocol.ReportSubmitMsg{
		SessionID:    "s-unknown",
		TargetUserID: "user-b",
	})
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if len(fwd.published) != 0 {
		t.Errorf("rejected reports must never reach moderation")
	}
}

func TestValidateAndForward_NotAParticipant(t *testing.T) {
	bridge, fwd := newBridgeFixture()

	err := bridge.ValidateAndForward(context.Background(), "user-x", protocol.ReportSubmitMsg{
		SessionID:    "s-1",
		TargetUserID: "user-b",
	})
	if err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if len(fwd.published) != 0 {
		t.Errorf("rejected reports must never reach moderation")
	}
}

func TestValidateAndForward_TargetMustBePeer(t *testing.T) {
	bridge, fwd := newBridgeFixture()

	// user-a naming themselves, or a third party, is rejected.
	for _, target := range []string{"user-a", "user-z"} {
		err := bridge.ValidateAndForward(context.Background(), "user-a", protocol.ReportSubmitMsg{
			SessionID:    "s-1",
			TargetUserID: target,
		})
		if err != ErrTargetMismatch {
			t.Fatalf("target %q: expected ErrTargetMismatch, got %v", target, err)
		}
	}
	if len(fwd.published) != 0 {
		t.Errorf("rejected reports must never reach moderation")
	}
}
