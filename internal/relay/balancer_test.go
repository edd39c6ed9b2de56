package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBalancer(maxPerRelay int, ids ...uint32) *Balancer {
	b := NewBalancer(maxPerRelay)
	for _, id := range ids {
		b.AddRelay(id, nil)
	}
	return b
}

func TestRelayForUserSticky(t *testing.T) {
	b := newTestBalancer(800, 1, 2)

	id, ok := b.RelayForUser("alice")
	require.True(t, ok)

	// Idempotent while the pinned shard stays under capacity.
	for i := 0; i < 10; i++ {
		again, ok := b.RelayForUser("alice")
		require.True(t, ok)
		assert.Equal(t, id, again)
	}
}

func TestRelayForUserTieBreakLowestID(t *testing.T) {
	b := newTestBalancer(800, 5, 2, 9)

	// Equal (zeroed) metrics on every shard: lowest id wins.
	id, ok := b.RelayForUser("alice")
	require.True(t, ok)
	assert.Equal(t, uint32(2), id)
}

func TestAssignmentAlternatesUnderLoad(t *testing.T) {
	b := newTestBalancer(2, 1, 2)

	// Metric updates mimic the live pushes shards do on every register.
	conns := map[uint32]int{1: 0, 2: 0}
	assign := func(user string) uint32 {
		id, ok := b.RelayForUser(user)
		require.True(t, ok, "expected capacity for %s", user)
		conns[id]++
		b.UpdateMetrics(id, conns[id], 0, 0)
		return id
	}

	assert.Equal(t, uint32(1), assign("u1"))
	assert.Equal(t, uint32(2), assign("u2"))
	assert.Equal(t, uint32(1), assign("u3"))
	assert.Equal(t, uint32(2), assign("u4"))

	// Everything is saturated now, even for a user with a sticky mapping.
	_, ok := b.RelayForUser("u1")
	assert.False(t, ok)
	_, ok = b.RelayForUser("u5")
	assert.False(t, ok)
}

func TestSelectOptimalSkipsSaturated(t *testing.T) {
	b := newTestBalancer(10, 1, 2)
	b.UpdateMetrics(1, 10, 0, 0)
	b.UpdateMetrics(2, 3, 0, 0)

	for i := 0; i < 20; i++ {
		id, ok := b.RelayForUser(fmt.Sprintf("user-%d", i))
		require.True(t, ok)
		assert.Equal(t, uint32(2), id, "must never pick a shard at capacity")
	}
}

func TestSelectOptimalPrefersIdleShard(t *testing.T) {
	b := newTestBalancer(100, 1, 2)
	b.UpdateMetrics(1, 80, 5000, 400)
	b.UpdateMetrics(2, 5, 10, 2)

	id, ok := b.RelayForUser("alice")
	require.True(t, ok)
	assert.Equal(t, uint32(2), id)
}

func TestRelayForUserSaturatedSingleShard(t *testing.T) {
	b := newTestBalancer(3, 1)

	for i := 0; i < 3; i++ {
		id, ok := b.RelayForUser(fmt.Sprintf("user-%d", i))
		require.True(t, ok)
		b.UpdateMetrics(id, i+1, 0, 0)
	}

	// (N+1)th distinct user finds no shard under capacity.
	_, ok := b.RelayForUser("user-3")
	assert.False(t, ok)
}

func TestRemoveUser(t *testing.T) {
	b := newTestBalancer(800, 1)

	_, ok := b.RelayForUser("alice")
	require.True(t, ok)
	assert.Equal(t, 1, b.UserCount())

	b.RemoveUser("alice")
	assert.Equal(t, 0, b.UserCount())

	// Removing an unknown user is a no-op.
	b.RemoveUser("nobody")
	assert.Equal(t, 0, b.UserCount())
}

func TestRebalanceAdviceRequiresTwoShards(t *testing.T) {
	b := newTestBalancer(800, 1)
	b.UpdateMetrics(1, 700, 0, 0)

	assert.Empty(t, b.RebalanceAdvice())
}

func TestRebalanceAdviceBelowThreshold(t *testing.T) {
	b := newTestBalancer(300, 1, 2)

	// Spread of exactly max/3 must not trigger advice.
	b.UpdateMetrics(1, 150, 0, 0)
	b.UpdateMetrics(2, 50, 0, 0)

	assert.Empty(t, b.RebalanceAdvice())
}

func TestRebalanceAdviceProposesMoves(t *testing.T) {
	b := newTestBalancer(300, 1, 2)

	// Pin users to shard 1 while it is the best pick.
	for i := 0; i < 50; i++ {
		id, ok := b.RelayForUser(fmt.Sprintf("user-%d", i))
		require.True(t, ok)
		require.Equal(t, uint32(1), id)
	}

	b.UpdateMetrics(1, 250, 0, 0)
	b.UpdateMetrics(2, 10, 0, 0)

	moves := b.RebalanceAdvice()
	require.NotEmpty(t, moves)

	// floor((250-10)/2) = 120 capped by the 50 mapped users.
	assert.Len(t, moves, 50)
	for _, m := range moves {
		assert.Equal(t, uint32(1), m.From)
		assert.Equal(t, uint32(2), m.To)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := newTestBalancer(800, 1)
	b.UpdateMetrics(1, 5, 1.5, 2.5)

	snap := b.Snapshot()
	require.Contains(t, snap, uint32(1))
	assert.Equal(t, 5, snap[1].ActiveConnections)

	snap[1] = Metrics{RelayID: 1, ActiveConnections: 999}
	assert.Equal(t, 5, b.Snapshot()[1].ActiveConnections)
}
