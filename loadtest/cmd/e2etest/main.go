// Command e2etest drives a pair of clients through the full stranger flow
// against a running signaling server: register, queue, match, SDP exchange
// with trickle ICE, then skip. It exits non-zero on the first failed step.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/zn4editz-pixel/z-app-sub001/loadtest/client"
)

type matchedEvent struct {
	SessionID string `json:"session_id"`
	Initiator bool   `json:"initiator"`
}

type endedEvent struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// peer bundles a client with the channels its handlers feed.
type peer struct {
	c       *client.Client
	matched chan matchedEvent
	offer   chan json.RawMessage
	answer  chan json.RawMessage
	ice     chan json.RawMessage
	ended   chan endedEvent
}

func newPeer(ctx context.Context, url, userID string) (*peer, error) {
	c, err := client.New(ctx, url, userID)
	if err != nil {
		return nil, err
	}
	p := &peer{
		c:       c,
		matched: make(chan matchedEvent, 1),
		offer:   make(chan json.RawMessage, 1),
		answer:  make(chan json.RawMessage, 1),
		ice:     make(chan json.RawMessage, 16),
		ended:   make(chan endedEvent, 1),
	}
	c.On(client.TypeMatched, func(data json.RawMessage) {
		var ev matchedEvent
		if json.Unmarshal(data, &ev) == nil {
			p.matched <- ev
		}
	})
	c.On(client.TypeSignalOffer, func(data json.RawMessage) { p.offer <- data })
	c.On(client.TypeSignalAnswer, func(data json.RawMessage) { p.answer <- data })
	c.On(client.TypeSignalIce, func(data json.RawMessage) { p.ice <- data })
	c.On(client.TypeSessionEnded, func(data json.RawMessage) {
		var ev endedEvent
		if json.Unmarshal(data, &ev) == nil {
			p.ended <- ev
		}
	})
	c.On(client.TypeError, func(data json.RawMessage) {
		log.Printf("[%s] server error: %s", userID, data)
	})
	return p, nil
}

func waitMatched(p *peer, timeout time.Duration) (matchedEvent, error) {
	select {
	case ev := <-p.matched:
		return ev, nil
	case <-time.After(timeout):
		return matchedEvent{}, fmt.Errorf("timed out waiting for matched")
	}
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "signaling server WebSocket URL")
	timeout := flag.Duration("timeout", 10*time.Second, "per-step timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	run := time.Now().UnixNano()
	alice, err := newPeer(ctx, *url, fmt.Sprintf("e2e-alice-%d", run))
	if err != nil {
		log.Fatalf("connect alice: %v", err)
	}
	defer alice.c.Close()
	bob, err := newPeer(ctx, *url, fmt.Sprintf("e2e-bob-%d", run))
	if err != nil {
		log.Fatalf("connect bob: %v", err)
	}
	defer bob.c.Close()

	regCtx, regCancel := context.WithTimeout(ctx, *timeout)
	defer regCancel()
	if err := alice.c.WaitForRegistered(regCtx); err != nil {
		log.Fatalf("alice register: %v", err)
	}
	if err := bob.c.WaitForRegistered(regCtx); err != nil {
		log.Fatalf("bob register: %v", err)
	}
	log.Printf("both clients registered")

	for _, p := range []*peer{alice, bob} {
		err := p.c.Send(map[string]interface{}{
			"type":    client.TypeQueueJoin,
			"profile": map[string]string{"alias": p.c.UserID()},
		})
		if err != nil {
			log.Fatalf("queue join: %v", err)
		}
	}

	aliceMatch, err := waitMatched(alice, *timeout)
	if err != nil {
		log.Fatalf("alice match: %v", err)
	}
	bobMatch, err := waitMatched(bob, *timeout)
	if err != nil {
		log.Fatalf("bob match: %v", err)
	}
	if aliceMatch.SessionID != bobMatch.SessionID {
		log.Fatalf("session mismatch: %s vs %s", aliceMatch.SessionID, bobMatch.SessionID)
	}
	if aliceMatch.Initiator == bobMatch.Initiator {
		log.Fatalf("exactly one side must be the initiator")
	}
	sessionID := aliceMatch.SessionID
	log.Printf("matched in session %s", sessionID)

	initiator, responder := alice, bob
	if bobMatch.Initiator {
		initiator, responder = bob, alice
	}

	// Responder trickles a candidate before the offer lands; the server
	// must hold it until the initiator has the answer.
	earlyCandidate := map[string]interface{}{
		"type":       client.TypeSignalIce,
		"session_id": sessionID,
		"candidate":  map[string]string{"candidate": "candidate:0 1 udp 1 10.0.0.1 5000 typ host"},
	}
	if err := responder.c.Send(earlyCandidate); err != nil {
		log.Fatalf("early candidate: %v", err)
	}

	err = initiator.c.Send(map[string]interface{}{
		"type":       client.TypeSignalOffer,
		"session_id": sessionID,
		"sdp":        "v=0 fake-offer",
	})
	if err != nil {
		log.Fatalf("send offer: %v", err)
	}

	select {
	case <-responder.offer:
		log.Printf("responder received offer")
	case <-time.After(*timeout):
		log.Fatalf("responder never received offer")
	}

	err = responder.c.Send(map[string]interface{}{
		"type":       client.TypeSignalAnswer,
		"session_id": sessionID,
		"sdp":        "v=0 fake-answer",
	})
	if err != nil {
		log.Fatalf("send answer: %v", err)
	}

	select {
	case <-initiator.answer:
		log.Printf("initiator received answer")
	case <-time.After(*timeout):
		log.Fatalf("initiator never received answer")
	}

	// The buffered early candidate arrives right after the answer.
	select {
	case <-initiator.ice:
		log.Printf("initiator received buffered candidate")
	case <-time.After(*timeout):
		log.Fatalf("initiator never received buffered candidate")
	}

	if err := alice.c.Send(map[string]interface{}{
		"type":       client.TypeSessionSkip,
		"session_id": sessionID,
	}); err != nil {
		log.Fatalf("skip: %v", err)
	}

	for _, p := range []*peer{alice, bob} {
		select {
		case ev := <-p.ended:
			if ev.Reason != "skipped" {
				log.Fatalf("[%s] expected reason skipped, got %q", p.c.UserID(), ev.Reason)
			}
		case <-time.After(*timeout):
			log.Fatalf("[%s] never received session:ended", p.c.UserID())
		}
	}
	log.Printf("both sides saw session:ended reason=skipped")

	am, bm := alice.c.GetMetrics(), bob.c.GetMetrics()
	log.Printf("alice: sent=%d recv=%d errors=%d", am.MessagesSent, am.MessagesReceived, am.Errors)
	log.Printf("bob:   sent=%d recv=%d errors=%d", bm.MessagesSent, bm.MessagesReceived, bm.Errors)

	fmt.Println("E2E PASS")
	os.Exit(0)
}
