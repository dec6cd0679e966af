package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zn4editz-pixel/z-app-sub001/internal/match"
	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
)

// fakeSender records every frame per connection, in send order.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{frames: make(map[string][][]byte)}
}

func (f *fakeSender) Send(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames[connID] = append(f.frames[connID], buf)
	return nil
}

// types returns the "type" field of every frame sent to connID.
func (f *fakeSender) types(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, frame := range f.frames[connID] {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(frame, &env)
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeSender) countOf(connID, msgType string) int {
	n := 0
	for _, typ := range f.types(connID) {
		if typ == msgType {
			n++
		}
	}
	return n
}

func (f *fakeSender) lastFrame(connID string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[connID]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func entryA() match.Entry {
	return match.Entry{ConnID: "conn-a", UserID: "user-a", Profile: json.RawMessage(`{"alias":"a"}`)}
}

func entryB() match.Entry {
	return match.Entry{ConnID: "conn-b", UserID: "user-b", Profile: json.RawMessage(`{"alias":"b"}`)}
}

func TestCreateStranger_NotifiesBothWithOneInitiator(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s := m.CreateStranger(entryA(), entryB())
	if s == nil {
		t.Fatalf("expected a session")
	}
	if s.State() != StateConnecting {
		t.Fatalf("expected %s, got %s", StateConnecting, s.State())
	}
	if s.Initiator() != "conn-a" {
		t.Errorf("expected the longer-waiting entry to be initiator, got %s", s.Initiator())
	}

	var a, b protocol.MatchedMsg
	if err := json.Unmarshal(sender.lastFrame("conn-a"), &a); err != nil {
		t.Fatalf("decode matched for a: %v", err)
	}
	if err := json.Unmarshal(sender.lastFrame("conn-b"), &b); err != nil {
		t.Fatalf("decode matched for b: %v", err)
	}
	if a.SessionID != s.ID || b.SessionID != s.ID {
		t.Errorf("session IDs differ: %s vs %s", a.SessionID, b.SessionID)
	}
	if !a.Initiator || b.Initiator {
		t.Errorf("expected a=initiator b=responder, got a=%v b=%v", a.Initiator, b.Initiator)
	}

	if !m.InSession("conn-a") || !m.InSession("conn-b") {
		t.Errorf("both participants must be marked in-session")
	}
}

func TestCreateStranger_DoublePairingAborts(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	first := m.CreateStranger(entryA(), entryB())
	if first == nil {
		t.Fatalf("first pairing failed")
	}

	// conn-a is already paired; a second pairing for it must abort without
	// touching the live session.
	other := match.Entry{ConnID: "conn-c", UserID: "user-c"}
	second := m.CreateStranger(match.Entry{ConnID: "conn-a", UserID: "user-a"}, other)
	if second != nil {
		t.Fatalf("expected nil session on double pairing")
	}
	if first.State() != StateConnecting {
		t.Errorf("existing session must survive, got %s", first.State())
	}
	if sender.countOf("conn-c", protocol.TypeSessionEnded) != 1 {
		t.Errorf("innocent side must be told the pairing failed")
	}
}

func TestEnd_FirstTerminalWins(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s := m.CreateStranger(entryA(), entryB())

	if err := m.End(s.ID, ReasonHangup, "conn-a"); err != nil {
		t.Fatalf("first end: %v", err)
	}
	if err := m.End(s.ID, ReasonPeerLost, "conn-b"); err != nil {
		t.Fatalf("second end must be a silent no-op, got: %v", err)
	}

	for _, conn := range []string{"conn-a", "conn-b"} {
		if n := sender.countOf(conn, protocol.TypeSessionEnded); n != 1 {
			t.Errorf("%s got %d session:ended frames, want 1", conn, n)
		}
	}

	var ended protocol.SessionEndedMsg
	if err := json.Unmarshal(sender.lastFrame("conn-a"), &ended); err != nil {
		t.Fatalf("decode ended: %v", err)
	}
	if ended.Reason != string(ReasonHangup) {
		t.Errorf("expected reason %q, got %q", ReasonHangup, ended.Reason)
	}

	if m.InSession("conn-a") || m.InSession("conn-b") {
		t.Errorf("participants must be released after end")
	}
}

func TestEnd_SkipRequeuesBoth(t *testing.T) {
	sender := newFakeSender()
	var mu sync.Mutex
	var requeued []string
	m := NewManager(sender, Config{
		Requeue: func(e match.Entry) {
			mu.Lock()
			requeued = append(requeued, e.ConnID)
			mu.Unlock()
		},
	})

	s := m.CreateStranger(entryA(), entryB())
	if err := m.Skip(s.ID, "conn-a"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requeued) != 2 {
		t.Fatalf("skip must requeue both, got %v", requeued)
	}
}

func TestEnd_HangupDoesNotRequeueAuthor(t *testing.T) {
	sender := newFakeSender()
	var mu sync.Mutex
	var requeued []string
	m := NewManager(sender, Config{
		Requeue: func(e match.Entry) {
			mu.Lock()
			requeued = append(requeued, e.ConnID)
			mu.Unlock()
		},
	})

	s := m.CreateStranger(entryA(), entryB())
	if err := m.Hangup(s.ID, "conn-a"); err != nil {
		t.Fatalf("hangup: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requeued) != 1 || requeued[0] != "conn-b" {
		t.Fatalf("expected only conn-b requeued, got %v", requeued)
	}
}

func TestPeerLost_EndsOwningSession(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{
		IsConnected: func(connID string) bool { return connID != "conn-a" },
	})

	s := m.CreateStranger(entryA(), entryB())
	m.PeerLost("conn-a")

	if m.InSession("conn-b") {
		t.Errorf("session must be gone after peer loss")
	}

	var ended protocol.SessionEndedMsg
	if err := json.Unmarshal(sender.lastFrame("conn-b"), &ended); err != nil {
		t.Fatalf("decode ended: %v", err)
	}
	if ended.SessionID != s.ID || ended.Reason != string(ReasonPeerLost) {
		t.Errorf("expected peerLost for %s, got %+v", s.ID, ended)
	}
	// The vanished side gets nothing.
	if sender.countOf("conn-a", protocol.TypeSessionEnded) != 0 {
		t.Errorf("disconnected participant must not be notified")
	}
}

func TestPeerLost_UnknownConnIsNoop(t *testing.T) {
	m := NewManager(newFakeSender(), Config{})
	m.PeerLost("nobody") // must not panic
}

func TestHangup_NotAParticipant(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s := m.CreateStranger(entryA(), entryB())
	if err := m.Hangup(s.ID, "conn-x"); err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestHangup_RecentlyEndedAcknowledged(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s := m.CreateStranger(entryA(), entryB())
	if err := m.End(s.ID, ReasonSkipped, "conn-a"); err != nil {
		t.Fatalf("end: %v", err)
	}

	// A late duplicate hangup for the just-ended session is acknowledged
	// silently instead of erroring.
	if err := m.Hangup(s.ID, "conn-a"); err != nil {
		t.Fatalf("expected nil for recently ended session, got %v", err)
	}
	// A session that never existed still errors.
	if err := m.Hangup("no-such-session", "conn-a"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSkip_PrivateCallIsViolation(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Skip(s.ID, "conn-a"); err != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestConnectTimeout_EndsSession(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{ConnectTimeout: 20 * time.Millisecond})

	s := m.CreateStranger(entryA(), entryB())

	deadline := time.Now().Add(time.Second)
	for m.InSession("conn-a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.InSession("conn-a") {
		t.Fatalf("session must time out")
	}

	var ended protocol.SessionEndedMsg
	if err := json.Unmarshal(sender.lastFrame("conn-a"), &ended); err != nil {
		t.Fatalf("decode ended: %v", err)
	}
	if ended.SessionID != s.ID || ended.Reason != string(ReasonTimeout) {
		t.Errorf("expected timeout end, got %+v", ended)
	}
}

func TestSessionParticipants_CoversEndedLedger(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s := m.CreateStranger(entryA(), entryB())
	if err := m.End(s.ID, ReasonSkipped, "conn-a"); err != nil {
		t.Fatalf("end: %v", err)
	}

	refs, ok := m.SessionParticipants(s.ID)
	if !ok {
		t.Fatalf("recently ended session must stay resolvable")
	}
	if refs[0].UserID != "user-a" || refs[1].UserID != "user-b" {
		t.Errorf("unexpected participants %+v", refs)
	}

	if _, ok := m.SessionParticipants("no-such-session"); ok {
		t.Errorf("unknown session must not resolve")
	}
}

// --------------------------------------------------------------------------
// Private calls
// --------------------------------------------------------------------------

func TestInitiatePrivate_RingsTarget(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if s.State() != StateRinging {
		t.Fatalf("expected %s, got %s", StateRinging, s.State())
	}

	var ringing protocol.CallRingingMsg
	if err := json.Unmarshal(sender.lastFrame("conn-b"), &ringing); err != nil {
		t.Fatalf("decode ringing: %v", err)
	}
	if ringing.SessionID != s.ID || ringing.Kind != string(KindPrivateVideo) {
		t.Errorf("unexpected ringing payload %+v", ringing)
	}
	// The caller gets nothing until the callee answers.
	if len(sender.types("conn-a")) != 0 {
		t.Errorf("caller must not be notified before accept")
	}
}

func TestInitiatePrivate_BusyParticipants(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	if _, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := m.InitiatePrivate("conn-a", "user-a", "conn-c", "user-c", KindPrivateAudio); err != ErrBusy {
		t.Fatalf("expected ErrBusy for busy caller, got %v", err)
	}
	if _, err := m.InitiatePrivate("conn-c", "user-c", "conn-b", "user-b", KindPrivateAudio); err != ErrBusy {
		t.Fatalf("expected ErrBusy for busy target, got %v", err)
	}
}

func TestAccept_TransitionsToConnecting(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Accept(s.ID, "conn-b"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("expected %s, got %s", StateConnecting, s.State())
	}

	// Both sides get matched; only the caller is initiator.
	var a, b protocol.MatchedMsg
	if err := json.Unmarshal(sender.lastFrame("conn-a"), &a); err != nil {
		t.Fatalf("decode caller matched: %v", err)
	}
	if err := json.Unmarshal(sender.lastFrame("conn-b"), &b); err != nil {
		t.Fatalf("decode callee matched: %v", err)
	}
	if !a.Initiator || b.Initiator {
		t.Errorf("expected caller=initiator, got caller=%v callee=%v", a.Initiator, b.Initiator)
	}
}

func TestAccept_ByCallerIsViolation(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Accept(s.ID, "conn-a"); err != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestReject_NotifiesCallerAndEnds(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Reject(s.ID, "conn-b"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	callerTypes := sender.types("conn-a")
	if len(callerTypes) != 2 ||
		callerTypes[0] != protocol.TypeCallRejected ||
		callerTypes[1] != protocol.TypeSessionEnded {
		t.Fatalf("expected [call:rejected session:ended], got %v", callerTypes)
	}

	var ended protocol.SessionEndedMsg
	if err := json.Unmarshal(sender.lastFrame("conn-a"), &ended); err != nil {
		t.Fatalf("decode ended: %v", err)
	}
	if ended.Reason != string(ReasonRejected) {
		t.Errorf("expected reason %q, got %q", ReasonRejected, ended.Reason)
	}
}

func TestReject_ByCallerIsViolation(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Reject(s.ID, "conn-a"); err != ErrProtocolViolation {
		t.Fatalf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestRingTimeout_EndsRingingCall(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{RingTimeout: 20 * time.Millisecond})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for m.InSession("conn-a") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.InSession("conn-a") {
		t.Fatalf("unanswered call must time out")
	}
	if s.State() != StateEnded {
		t.Errorf("expected %s, got %s", StateEnded, s.State())
	}
}

func TestAccept_CancelsRingTimer(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{
		RingTimeout:    20 * time.Millisecond,
		ConnectTimeout: 10 * time.Second,
	})

	s, err := m.InitiatePrivate("conn-a", "user-a", "conn-b", "user-b", KindPrivateAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := m.Accept(s.ID, "conn-b"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The old ring timer must not fire after the transition.
	time.Sleep(60 * time.Millisecond)
	if s.State() != StateConnecting {
		t.Fatalf("stale ring timer ended the session, state=%s", s.State())
	}
}

// A participant can vanish in the instant its pairing is created; teardown
// must observe the connect timer that creation armed, never a half-built
// session.
func TestCreateStranger_TeardownRace(t *testing.T) {
	sender := newFakeSender()
	m := NewManager(sender, Config{})

	for i := 0; i < 200; i++ {
		a := match.Entry{ConnID: fmt.Sprintf("race-a-%d", i), UserID: "user-a"}
		b := match.Entry{ConnID: fmt.Sprintf("race-b-%d", i), UserID: "user-b"}

		done := make(chan struct{})
		go func() {
			m.PeerLost(a.ConnID)
			close(done)
		}()
		m.CreateStranger(a, b)
		<-done

		// The racing PeerLost may have run before the session was published;
		// this one is guaranteed to see it.
		m.PeerLost(a.ConnID)
	}

	if n := m.ActiveCount(); n != 0 {
		t.Fatalf("expected all sessions torn down, %d still live", n)
	}
}
