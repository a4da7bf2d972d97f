package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateResolveDeliversDecision(t *testing.T) {
	g := NewGate()

	done := make(chan struct{})
	var decision Decision
	var ok bool
	go func() {
		decision, ok = g.Wait(context.Background(), KindHITL, "s1", "c1")
		close(done)
	}()

	// Wait for the waiter to register.
	require.Eventually(t, func() bool {
		return g.Pending(KindHITL, "s1", "c1")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Resolve(KindHITL, "s1", "c1", Decision{Approved: true}))
	<-done

	assert.True(t, ok)
	assert.True(t, decision.Approved)
	assert.False(t, g.Pending(KindHITL, "s1", "c1"))
}

func TestGateResolveUnknownKey(t *testing.T) {
	g := NewGate()
	err := g.Resolve(KindHITL, "s1", "missing", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGateResolveTwice(t *testing.T) {
	g := NewGate()

	go g.Wait(context.Background(), KindProposal, "s1", "c1")
	require.Eventually(t, func() bool {
		return g.Pending(KindProposal, "s1", "c1")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Resolve(KindProposal, "s1", "c1", Decision{Approved: false, Reason: "no"}))
	assert.ErrorIs(t, g.Resolve(KindProposal, "s1", "c1", Decision{Approved: true}), ErrNotFound)
}

func TestGateTimeout(t *testing.T) {
	g := NewGateWithTimeout(20 * time.Millisecond)
	_, ok := g.Wait(context.Background(), KindHITL, "s1", "c1")
	assert.False(t, ok)
	assert.False(t, g.Pending(KindHITL, "s1", "c1"))
}

func TestGateNamespacesDoNotCollide(t *testing.T) {
	g := NewGate()

	go g.Wait(context.Background(), KindHITL, "s1", "c1")
	go g.Wait(context.Background(), KindProposal, "s1", "c1")
	require.Eventually(t, func() bool {
		return g.Pending(KindHITL, "s1", "c1") && g.Pending(KindProposal, "s1", "c1")
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Resolve(KindHITL, "s1", "c1", Decision{Approved: true}))
	assert.True(t, g.Pending(KindProposal, "s1", "c1"))
}

func TestGateContextCancellation(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := g.Wait(ctx, KindHITL, "s1", "c1")
		done <- ok
	}()
	require.Eventually(t, func() bool {
		return g.Pending(KindHITL, "s1", "c1")
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.False(t, <-done)
}
