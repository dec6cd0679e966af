// Package match pairs anonymous waiting connections into stranger sessions.
//
// The queue is a single-owner actor: one goroutine owns all queue state and
// drains join/leave requests from a channel, so entry removal and pairing
// happen in the same logical step. A leave racing a concurrent pairing
// either observes the entry already gone (no-op) or removes it first (the
// pairing picks the next candidate), never both.
package match

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/zn4editz-pixel/z-app-sub001/internal/metrics"
)

var (
	// ErrAlreadyQueued is returned when a connection joins while it still
	// has a waiting entry.
	ErrAlreadyQueued = errors.New("match: connection already queued")

	// ErrAlreadyPaired is returned when a connection joins while it is a
	// participant in a live session.
	ErrAlreadyPaired = errors.New("match: connection already in a session")

	// ErrQueueClosed is returned after Stop.
	ErrQueueClosed = errors.New("match: queue stopped")
)

// Entry is one waiting actor. Profile is an opaque snapshot relayed to the
// matched peer, never interpreted here.
type Entry struct {
	ConnID     string
	UserID     string
	Profile    json.RawMessage
	EnqueuedAt time.Time
}

// PairedFunc receives both entries of a successful pairing. It is called
// synchronously from the queue's actor goroutine, after both entries have
// been removed, so the session it creates exists before any later join or
// leave request is processed. a is the longer-waiting entry.
type PairedFunc func(a, b Entry)

// InSessionFunc reports whether a connection is currently inside a live
// session (used to reject joins with ErrAlreadyPaired).
type InSessionFunc func(connID string) bool

type joinReq struct {
	entry Entry
	reply chan error
}

type leaveReq struct {
	connID string
	reply  chan bool
}

type sizeReq struct {
	reply chan int
}

// Queue is the stranger matching queue.
type Queue struct {
	joins     chan joinReq
	leaves    chan leaveReq
	sizes     chan sizeReq
	done      chan struct{}
	stopped   chan struct{}
	paired    PairedFunc
	inSession InSessionFunc
}

// NewQueue creates a queue. paired must be non-nil; inSession may be nil if
// the caller guarantees joins never arrive from paired connections.
func NewQueue(paired PairedFunc, inSession InSessionFunc) *Queue {
	q := &Queue{
		joins:     make(chan joinReq),
		leaves:    make(chan leaveReq),
		sizes:     make(chan sizeReq),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		paired:    paired,
		inSession: inSession,
	}
	go q.run()
	return q
}

// Join submits a waiting entry. The entry's EnqueuedAt is stamped here if
// zero. Fails with ErrAlreadyQueued or ErrAlreadyPaired.
func (q *Queue) Join(entry Entry) error {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	req := joinReq{entry: entry, reply: make(chan error, 1)}
	select {
	case q.joins <- req:
		return <-req.reply
	case <-q.done:
		return ErrQueueClosed
	}
}

// Leave removes the connection's waiting entry if present. Returns true if
// an entry was removed; a leave for an absent connection is a no-op.
func (q *Queue) Leave(connID string) bool {
	req := leaveReq{connID: connID, reply: make(chan bool, 1)}
	select {
	case q.leaves <- req:
		return <-req.reply
	case <-q.done:
		return false
	}
}

// Size returns the current number of waiting entries.
func (q *Queue) Size() int {
	req := sizeReq{reply: make(chan int, 1)}
	select {
	case q.sizes <- req:
		return <-req.reply
	case <-q.done:
		return 0
	}
}

// Stop shuts the actor down. Pending requests fail with ErrQueueClosed.
func (q *Queue) Stop() {
	close(q.done)
	<-q.stopped
}

// run is the actor loop. It is the only goroutine that touches waiting, so
// remove-and-pair is atomic without any locking.
func (q *Queue) run() {
	defer close(q.stopped)

	// Ordered oldest-first; joins append, pairing removes from the front.
	var waiting []Entry
	queued := make(map[string]struct{})

	for {
		select {
		case <-q.done:
			metrics.MatchQueueSize.Set(0)
			return

		case req := <-q.joins:
			e := req.entry
			if _, ok := queued[e.ConnID]; ok {
				req.reply <- ErrAlreadyQueued
				continue
			}
			if q.inSession != nil && q.inSession(e.ConnID) {
				req.reply <- ErrAlreadyPaired
				continue
			}
			waiting = append(waiting, e)
			queued[e.ConnID] = struct{}{}
			req.reply <- nil
			waiting = q.pairAll(waiting, queued)
			metrics.MatchQueueSize.Set(float64(len(waiting)))

		case req := <-q.leaves:
			removed := false
			for i, e := range waiting {
				if e.ConnID == req.connID {
					waiting = append(waiting[:i], waiting[i+1:]...)
					delete(queued, req.connID)
					removed = true
					break
				}
			}
			req.reply <- removed
			metrics.MatchQueueSize.Set(float64(len(waiting)))

		case req := <-q.sizes:
			req.reply <- len(waiting)
		}
	}
}

// pairAll repeatedly extracts the two longest-waiting eligible entries until
// no pair remains. The only exclusion is identical user identity: a user
// with two tabs queued must never be matched to themselves.
func (q *Queue) pairAll(waiting []Entry, queued map[string]struct{}) []Entry {
	for len(waiting) >= 2 {
		a := waiting[0]
		bIdx := -1
		for i := 1; i < len(waiting); i++ {
			if waiting[i].UserID != a.UserID {
				bIdx = i
				break
			}
		}
		if bIdx == -1 {
			// Everyone left is the same user; nothing pairable.
			return waiting
		}
		b := waiting[bIdx]

		// Remove both in the same step that hands them to the session
		// layer. b first so a's index stays valid.
		waiting = append(waiting[:bIdx], waiting[bIdx+1:]...)
		waiting = waiting[1:]
		delete(queued, a.ConnID)
		delete(queued, b.ConnID)

		metrics.MatchWaitSeconds.Observe(time.Since(a.EnqueuedAt).Seconds())
		metrics.MatchWaitSeconds.Observe(time.Since(b.EnqueuedAt).Seconds())
		log.Printf("[match] paired %s and %s (waited %s / %s, queue=%d)",
			a.ConnID, b.ConnID,
			time.Since(a.EnqueuedAt).Round(time.Millisecond),
			time.Since(b.EnqueuedAt).Round(time.Millisecond),
			len(waiting))

		q.paired(a, b)
	}
	return waiting
}
