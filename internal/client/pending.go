package client

import (
	"sync"

	"github.com/samber/lo"

	"github.com/nfrund/relay/internal/protocol"
)

// AckTracker drives the client-observed acknowledgment state machine:
// a send is recorded as pending the moment it is transmitted and
// cleared only by a server acknowledgment carrying the same clientId.
// There is deliberately no failed state and no timeout; a stricter
// at-least-once variant can be substituted behind this interface
// without touching the connection logic.
type AckTracker interface {
	// Track records an optimistic send under its correlation id.
	Track(clientID string, msg protocol.Message)
	// Resolve clears the pending record matched by the acknowledgment.
	// It reports false for ids it never tracked (or already resolved);
	// duplicate acks are harmless.
	Resolve(clientID string) bool
	// Pending returns the messages still awaiting acknowledgment.
	Pending() []protocol.Message
}

// memoryTracker is the in-memory AckTracker used by Client.
type memoryTracker struct {
	mu      sync.Mutex
	pending map[string]protocol.Message
}

// NewAckTracker returns the default in-memory tracker.
func NewAckTracker() AckTracker {
	return &memoryTracker{pending: make(map[string]protocol.Message)}
}

func (t *memoryTracker) Track(clientID string, msg protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[clientID] = msg
}

func (t *memoryTracker) Resolve(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[clientID]; !ok {
		return false
	}
	delete(t.pending, clientID)
	return true
}

func (t *memoryTracker) Pending() []protocol.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Values(t.pending)
}
