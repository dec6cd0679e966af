// Package presence is the authoritative map between live transport
// connections and logical user identities. It answers "is user X reachable
// right now, and on which connection" for the private-call path and keeps an
// eventually-consistent online counter in Redis for display purposes.
package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zn4editz-pixel/z-app-sub001/internal/protocol"
)

// OnlineCounterKey is the Redis key holding the cross-instance online count.
const OnlineCounterKey = "presence:online"

// ErrAlreadyRegistered is returned when a connection attempts to bind a
// second, different identity without unregistering first.
var ErrAlreadyRegistered = errors.New("presence: connection already bound to a different user")

// UnregisterHook is invoked after a connection's binding is removed. Hooks
// run outside the registry lock, so they may call back into the registry.
type UnregisterHook func(connID, userID string)

type binding struct {
	userID string
	caps   protocol.Capabilities
}

// Registry is the bidirectional connection <-> user map. All operations are
// safe for concurrent use; per-connection updates are last-writer-wins and a
// repeated unregister is a no-op.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]binding
	byUser map[string]string // userID -> most recent connID

	rdb   *redis.Client // optional; nil disables the shared counter
	hooks []UnregisterHook
}

// NewRegistry creates an empty registry. rdb may be nil, in which case
// OnlineCount falls back to the local connection count.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{
		byConn: make(map[string]binding),
		byUser: make(map[string]string),
		rdb:    rdb,
	}
}

// OnUnregister adds a hook fired whenever a binding is removed. Must be
// called during setup, before the registry starts receiving traffic.
func (r *Registry) OnUnregister(hook UnregisterHook) {
	r.hooks = append(r.hooks, hook)
}

// Register binds a user identity to a connection. Registering the same
// identity on the same connection again is a no-op; a different identity on
// an already-bound connection fails with ErrAlreadyRegistered. If the user
// already has another live connection, the new one becomes authoritative for
// lookups (duplicate tabs).
func (r *Registry) Register(ctx context.Context, connID, userID string, caps protocol.Capabilities) error {
	r.mu.Lock()
	if existing, ok := r.byConn[connID]; ok {
		r.mu.Unlock()
		if existing.userID == userID {
			return nil
		}
		return ErrAlreadyRegistered
	}
	r.byConn[connID] = binding{userID: userID, caps: caps}
	r.byUser[userID] = connID
	r.mu.Unlock()

	r.adjustCounter(ctx, 1)
	return nil
}

// Unregister removes the binding for a connection and fires the unregister
// hooks. Unregistering an unknown connection is a no-op.
func (r *Registry) Unregister(ctx context.Context, connID string) {
	r.mu.Lock()
	b, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	// Only clear the user mapping if this connection is still the
	// authoritative one; a newer tab may have taken over.
	if r.byUser[b.userID] == connID {
		delete(r.byUser, b.userID)
	}
	r.mu.Unlock()

	r.adjustCounter(ctx, -1)

	for _, hook := range r.hooks {
		hook(connID, b.userID)
	}
}

// LookupConnection returns the live connection for a user, if any.
func (r *Registry) LookupConnection(userID string) (string, bool) {
	r.mu.RLock()
	connID, ok := r.byUser[userID]
	r.mu.RUnlock()
	return connID, ok
}

// UserID returns the identity bound to a connection, if any.
func (r *Registry) UserID(connID string) (string, bool) {
	r.mu.RLock()
	b, ok := r.byConn[connID]
	r.mu.RUnlock()
	return b.userID, ok
}

// Capabilities returns the capabilities declared at registration time.
func (r *Registry) Capabilities(connID string) (protocol.Capabilities, bool) {
	r.mu.RLock()
	b, ok := r.byConn[connID]
	r.mu.RUnlock()
	return b.caps, ok
}

// IsRegistered reports whether the connection has a bound identity.
func (r *Registry) IsRegistered(connID string) bool {
	r.mu.RLock()
	_, ok := r.byConn[connID]
	r.mu.RUnlock()
	return ok
}

// LocalCount returns the number of registered connections on this instance.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	n := len(r.byConn)
	r.mu.RUnlock()
	return n
}

// OnlineCount returns the cross-instance online count from Redis. The value
// is only eventually consistent and intended for display. Without Redis it
// returns the local count.
func (r *Registry) OnlineCount(ctx context.Context) (int64, error) {
	if r.rdb == nil {
		return int64(r.LocalCount()), nil
	}
	n, err := r.rdb.Get(ctx, OnlineCounterKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n < 0 {
		// Counter drifted below zero after an unclean restart.
		return 0, nil
	}
	return n, nil
}

// adjustCounter applies a best-effort delta to the shared counter. Failures
// are logged and ignored; the counter is display-only.
func (r *Registry) adjustCounter(ctx context.Context, delta int64) {
	if r.rdb == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.rdb.IncrBy(opCtx, OnlineCounterKey, delta).Err(); err != nil {
		log.Printf("[presence] online counter update failed: %v", err)
	}
}
