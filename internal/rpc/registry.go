// Package rpc implements the method registry behind the inter-client RPC
// bridge. Clients of the same account register named methods on their
// socket; other clients of that account invoke them and the WebSocket
// layer forwards the opaque params to the registered socket.
//
// All state is in-memory and intentionally non-persistent: registrations
// die with the socket that made them, and reconnecting clients re-register.
package rpc

import (
	"sync"

	"go.uber.org/zap"
)

// Peer identifies a registered socket. The registry only compares peers
// for identity; the WebSocket layer provides the concrete type.
type Peer any

// Registry maps (account, method) to the socket that registered the
// method. Routing is strictly per-account: lookups never cross account
// boundaries. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]map[string]Peer // accountID -> method -> peer
	logger  *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		methods: make(map[string]map[string]Peer),
		logger:  logger.Named("rpc"),
	}
}

// Register binds method to peer for the account, overwriting any prior
// registration for the same method.
func (r *Registry) Register(accountID, method string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.methods[accountID]
	if !ok {
		account = make(map[string]Peer)
		r.methods[accountID] = account
	}
	if _, replaced := account[method]; replaced {
		// Usually a client re-registering after reconnect before the old
		// socket's cleanup ran.
		r.logger.Debug("rpc method registration replaced",
			zap.String("account_id", accountID),
			zap.String("method", method),
		)
	}
	account[method] = peer
}

// Unregister removes the method binding, but only if peer still owns it —
// a socket cannot unregister a method that a newer socket re-registered.
func (r *Registry) Unregister(accountID, method string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account := r.methods[accountID]
	if account == nil {
		return
	}
	if owner, ok := account[method]; ok && owner == peer {
		delete(account, method)
		if len(account) == 0 {
			delete(r.methods, accountID)
		}
	}
}

// Lookup returns the peer registered for (account, method).
func (r *Registry) Lookup(accountID, method string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.methods[accountID][method]
	return peer, ok
}

// RemovePeer drops every registration held by peer for the account.
// Called on socket disconnect.
func (r *Registry) RemovePeer(accountID string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account := r.methods[accountID]
	if account == nil {
		return
	}
	for method, owner := range account {
		if owner == peer {
			delete(account, method)
		}
	}
	if len(account) == 0 {
		delete(r.methods, accountID)
	}
}
