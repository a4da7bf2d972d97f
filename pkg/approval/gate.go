// Package approval implements the rendezvous between a streaming tool loop
// waiting for a human decision and the HTTP handler that delivers it. Waiters
// are process-global and keyed by (session, tool_call) tuples, which are
// unique by construction.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when resolving a key with no registered waiter,
// which covers both unknown and already-resolved requests.
var ErrNotFound = errors.New("no pending approval")

// Decision is the human's answer delivered to a waiter.
type Decision struct {
	Approved bool
	Reason   string
}

// DefaultTimeout bounds how long a tool loop blocks on a decision.
const DefaultTimeout = 600 * time.Second

// Kind namespaces the waiter key so a HITL approval and a tool proposal for
// the same tool call cannot collide.
type Kind string

const (
	KindHITL     Kind = "hitl"
	KindProposal Kind = "proposal"
)

type key struct {
	kind       Kind
	sessionID  string
	toolCallID string
}

// Gate holds single-shot waiters. One Gate is shared process-wide.
type Gate struct {
	mu      sync.Mutex
	waiters map[key]chan Decision
	timeout time.Duration
}

func NewGate() *Gate {
	return &Gate{
		waiters: make(map[key]chan Decision),
		timeout: DefaultTimeout,
	}
}

// NewGateWithTimeout is used by tests to avoid 600s waits.
func NewGateWithTimeout(timeout time.Duration) *Gate {
	g := NewGate()
	g.timeout = timeout
	return g
}

// Waiter is one registered rendezvous point.
type Waiter struct {
	gate *Gate
	k    key
	ch   chan Decision
}

// Register installs a waiter for the key. Register before announcing the
// request; a decision that races the announcement is then never lost.
func (g *Gate) Register(kind Kind, sessionID, toolCallID string) *Waiter {
	k := key{kind: kind, sessionID: sessionID, toolCallID: toolCallID}
	ch := make(chan Decision, 1)

	g.mu.Lock()
	g.waiters[k] = ch
	g.mu.Unlock()

	return &Waiter{gate: g, k: k, ch: ch}
}

// Await blocks until a decision arrives, the gate timeout elapses, or ctx is
// cancelled. Timeout and cancellation report ok=false so the caller can
// distinguish human denials from expiry. The waiter is always deregistered.
func (w *Waiter) Await(ctx context.Context) (Decision, bool) {
	defer func() {
		w.gate.mu.Lock()
		delete(w.gate.waiters, w.k)
		w.gate.mu.Unlock()
	}()

	timer := time.NewTimer(w.gate.timeout)
	defer timer.Stop()

	select {
	case decision := <-w.ch:
		return decision, true
	case <-timer.C:
		return Decision{}, false
	case <-ctx.Done():
		return Decision{}, false
	}
}

// Wait is Register followed by Await.
func (g *Gate) Wait(ctx context.Context, kind Kind, sessionID, toolCallID string) (Decision, bool) {
	return g.Register(kind, sessionID, toolCallID).Await(ctx)
}

// Resolve delivers a decision to the registered waiter. ErrNotFound means no
// loop is blocked on this key.
func (g *Gate) Resolve(kind Kind, sessionID, toolCallID string, decision Decision) error {
	k := key{kind: kind, sessionID: sessionID, toolCallID: toolCallID}

	g.mu.Lock()
	ch, ok := g.waiters[k]
	if ok {
		delete(g.waiters, k)
	}
	g.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	ch <- decision
	return nil
}

// Pending reports whether a waiter is registered for the key.
func (g *Gate) Pending(kind Kind, sessionID, toolCallID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[key{kind: kind, sessionID: sessionID, toolCallID: toolCallID}]
	return ok
}
