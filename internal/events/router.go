// Package events implements the relay's real-time event router: the
// in-memory registry of live connections, classified by scope, and the
// fan-out of update and ephemeral payloads to the matching subset of an
// account's connections.
//
// Delivery is strictly best-effort. A failed send is counted and skipped —
// never retried, never allowed to affect other recipients.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/consortium-dev/consortium/internal/metrics"
)

// Scope classifies what subset of an account's events a connection
// receives.
type Scope string

const (
	// ScopeUser is the dashboard: it sees every update for the account.
	ScopeUser Scope = "user-scoped"

	// ScopeSession is the agent wrapper for a single session: it only
	// sees that session's traffic.
	ScopeSession Scope = "session-scoped"

	// ScopeMachine is the per-host daemon: it only sees traffic addressed
	// to its machine.
	ScopeMachine Scope = "machine-scoped"
)

// Name distinguishes the two event classes on the wire.
type Name string

const (
	// Update is a persistent event carrying an account-level sequence
	// number.
	Update Name = "update"

	// Ephemeral is a transient presence signal with no sequence.
	Ephemeral Name = "ephemeral"
)

// Sink is the delivery side of a connection. Implemented by the WebSocket
// layer; kept as an interface so the router and its tests need no socket.
type Sink interface {
	// SendEvent queues one event frame for the peer. An error means the
	// payload was dropped for this connection only.
	SendEvent(event string, payload any) error
}

// Connection is the router's in-memory record of one live socket. It is
// created at WebSocket connect, destroyed at disconnect, and never
// persisted. All fields are read-only after construction.
type Connection struct {
	AccountID string
	Scope     Scope
	SessionID string // set only for ScopeSession
	MachineID string // set only for ScopeMachine
	Sink      Sink
}

// EmitParams describes one fan-out.
type EmitParams struct {
	AccountID string
	Event     Name
	Payload   any
	Filter    Filter

	// SkipSender, when non-nil, excludes the originating connection so a
	// client never receives an echo of its own frame.
	SkipSender *Connection
}

// Router tracks live connections per account and fans events out to them.
// Operations on the same account are serialized through a per-account
// lock; different accounts proceed in parallel.
type Router struct {
	mu     sync.RWMutex
	users  map[string]*accountConns
	logger *zap.Logger
}

// accountConns is one account's connection set with its serializing lock.
type accountConns struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewRouter creates an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		users:  make(map[string]*accountConns),
		logger: logger.Named("events"),
	}
}

// Add registers a connection under its account.
func (r *Router) Add(conn *Connection) {
	var total int
	for {
		entry := r.entryFor(conn.AccountID, true)

		entry.mu.Lock()
		entry.conns[conn] = struct{}{}
		total = len(entry.conns)
		entry.mu.Unlock()

		// A concurrent Remove may have deleted the entry from the account
		// map between entryFor and the insert above, which would strand
		// this connection in a set Emit can no longer reach. Verify the
		// entry is still the registered one and retry if not.
		r.mu.RLock()
		current := r.users[conn.AccountID]
		r.mu.RUnlock()
		if current == entry {
			break
		}
		entry.mu.Lock()
		delete(entry.conns, conn)
		entry.mu.Unlock()
	}

	metrics.Connections.WithLabelValues(string(conn.Scope)).Inc()
	r.logger.Debug("connection added",
		zap.String("account_id", conn.AccountID),
		zap.String("scope", string(conn.Scope)),
		zap.Int("account_connections", total),
	)
}

// Remove unregisters a connection. Removing a connection that was never
// added (or was already removed) is a no-op.
func (r *Router) Remove(conn *Connection) {
	entry := r.entryFor(conn.AccountID, false)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	_, present := entry.conns[conn]
	delete(entry.conns, conn)
	empty := len(entry.conns) == 0
	entry.mu.Unlock()

	if !present {
		return
	}
	metrics.Connections.WithLabelValues(string(conn.Scope)).Dec()

	if empty {
		r.mu.Lock()
		// Re-check under the write lock: a concurrent Add may have
		// repopulated the entry between our read and this point.
		entry.mu.Lock()
		if len(entry.conns) == 0 {
			delete(r.users, conn.AccountID)
		}
		entry.mu.Unlock()
		r.mu.Unlock()
	}
}

// Emit delivers the payload to every connection of the account that the
// filter matches, excluding SkipSender. The connection set is snapshotted
// under the per-account lock and sends happen outside it, so a slow socket
// cannot stall registration and a concurrent Remove is harmless.
func (r *Router) Emit(p EmitParams) {
	entry := r.entryFor(p.AccountID, false)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	targets := make([]*Connection, 0, len(entry.conns))
	for conn := range entry.conns {
		if conn == p.SkipSender {
			continue
		}
		if p.Filter.Matches(conn) {
			targets = append(targets, conn)
		}
	}
	entry.mu.Unlock()

	for _, conn := range targets {
		if err := conn.Sink.SendEvent(string(p.Event), p.Payload); err != nil {
			// Best-effort: drop and move on. The read loop will notice a
			// genuinely dead socket and remove the connection.
			metrics.SendFailures.Inc()
			r.logger.Debug("event delivery dropped",
				zap.String("account_id", p.AccountID),
				zap.String("event", string(p.Event)),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsEmitted.WithLabelValues(string(p.Event)).Inc()
	}
}

// ConnectionCount returns the number of live connections for an account.
// Intended for tests and health reporting.
func (r *Router) ConnectionCount(accountID string) int {
	entry := r.entryFor(accountID, false)
	if entry == nil {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.conns)
}

// entryFor returns the account's connection set, creating it when create
// is true. Returns nil when absent and create is false.
func (r *Router) entryFor(accountID string, create bool) *accountConns {
	r.mu.RLock()
	entry := r.users[accountID]
	r.mu.RUnlock()
	if entry != nil || !create {
		return entry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry = r.users[accountID]; entry == nil {
		entry = &accountConns{conns: make(map[*Connection]struct{})}
		r.users[accountID] = entry
	}
	return entry
}
