// Package ack implements the Pending ACK map (spec §3, §4.7 step 6): a
// bounded-lifetime record from an opaque ackId to the connection that
// should receive the eventual ACK frame, created when a publisher
// requests acknowledgement and removed when the ACK is sent, its
// deadline expires, or the originating connection closes.
package ack

import (
	"sync"
	"time"
)

type entry struct {
	connectionID string
	deadline     time.Time
}

// Registry tracks pending ACKs. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	byAckID map[string]entry
	timeout time.Duration
}

// New builds a Registry whose entries expire after timeout if never
// taken.
func New(timeout time.Duration) *Registry {
	return &Registry{byAckID: make(map[string]entry), timeout: timeout}
}

// Register records that ackID should resolve to connectionID, with a
// deadline timeout from now.
func (r *Registry) Register(ackID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAckID[ackID] = entry{connectionID: connectionID, deadline: time.Now().Add(r.timeout)}
}

// Take removes and returns the connection id pending under ackID, if
// present and not yet past its deadline. A caller that gets ok == false
// must not send an ACK frame: either no such ackId was ever registered,
// it was already taken, or it expired (spec: "expire... and are
// discarded silently").
func (r *Registry) Take(ackID string) (connectionID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.byAckID[ackID]
	if !exists {
		return "", false
	}
	delete(r.byAckID, ackID)
	if time.Now().After(e.deadline) {
		return "", false
	}
	return e.connectionID, true
}

// DropConnection removes every pending entry for connectionID, per
// spec's "deleted when... the connection closes."
func (r *Registry) DropConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ackID, e := range r.byAckID {
		if e.connectionID == connectionID {
			delete(r.byAckID, ackID)
		}
	}
}

// Sweep discards entries past their deadline. Intended to run on a
// ticker so entries whose publish never completes don't linger
// forever.
func (r *Registry) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ackID, e := range r.byAckID {
		if now.After(e.deadline) {
			delete(r.byAckID, ackID)
		}
	}
}

// Len reports the number of pending entries, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAckID)
}
