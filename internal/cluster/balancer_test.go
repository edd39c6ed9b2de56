package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightFormula(t *testing.T) {
	b := NewBalancer()

	// Idle pod: full weight.
	b.Update(PodMetrics{PodID: "p1", LastUpdated: time.Now().Unix()})
	w, ok := b.Weight("p1")
	require.True(t, ok)
	assert.InDelta(t, 1.0, w, 1e-9)

	// Half loaded on every axis: 0.5*0.5 + 0.3*0.5 + 0.2*0.5 = 0.5.
	b.Update(PodMetrics{
		PodID:             "p2",
		ActiveConnections: 500,
		CPUUsage:          50,
		MemoryUsage:       50,
		LastUpdated:       time.Now().Unix(),
	})
	w, ok = b.Weight("p2")
	require.True(t, ok)
	assert.InDelta(t, 0.5, w, 1e-9)
}

func TestWeightClampedToFloor(t *testing.T) {
	b := NewBalancer()

	b.Update(PodMetrics{
		PodID:             "overloaded",
		ActiveConnections: 5000,
		CPUUsage:          100,
		MemoryUsage:       100,
		LastUpdated:       time.Now().Unix(),
	})

	w, ok := b.Weight("overloaded")
	require.True(t, ok)
	assert.InDelta(t, 0.1, w, 1e-9)
}

func TestWeightAlwaysInRange(t *testing.T) {
	b := NewBalancer()

	for i := 0; i <= 20; i++ {
		m := PodMetrics{
			PodID:             fmt.Sprintf("p%d", i),
			ActiveConnections: i * 100,
			CPUUsage:          float64(i * 5),
			MemoryUsage:       float64(100 - i*5),
			LastUpdated:       time.Now().Unix(),
		}
		b.Update(m)
		w, ok := b.Weight(m.PodID)
		require.True(t, ok)
		assert.GreaterOrEqual(t, w, 0.1)
		assert.LessOrEqual(t, w, 1.0)
	}
}

func TestSelectPodEmpty(t *testing.T) {
	b := NewBalancer()

	_, ok := b.SelectPod()
	assert.False(t, ok)
}

func TestSelectPodSingle(t *testing.T) {
	b := NewBalancer()
	b.Update(PodMetrics{PodID: "only", LastUpdated: time.Now().Unix()})

	for i := 0; i < 10; i++ {
		id, ok := b.SelectPod()
		require.True(t, ok)
		assert.Equal(t, "only", id)
	}
}

func TestSelectPodWeightedDistribution(t *testing.T) {
	b := NewBalancer()

	// p1 weight 1.0, p2 weight 0.5: picks should land near 2:1.
	b.Update(PodMetrics{PodID: "p1", LastUpdated: time.Now().Unix()})
	b.Update(PodMetrics{
		PodID:             "p2",
		ActiveConnections: 500,
		CPUUsage:          50,
		MemoryUsage:       50,
		LastUpdated:       time.Now().Unix(),
	})

	counts := map[string]int{}
	const draws = 30000
	for i := 0; i < draws; i++ {
		id, ok := b.SelectPod()
		require.True(t, ok)
		counts[id]++
	}

	ratio := float64(counts["p1"]) / float64(counts["p2"])
	assert.InDelta(t, 2.0, ratio, 0.3, "expected roughly 2:1 picks, got %v", counts)
}

func TestSelectPodConcurrent(t *testing.T) {
	b := NewBalancer()
	b.Update(PodMetrics{PodID: "p1", LastUpdated: time.Now().Unix()})
	b.Update(PodMetrics{
		PodID:             "p2",
		ActiveConnections: 500,
		CPUUsage:          50,
		MemoryUsage:       50,
		LastUpdated:       time.Now().Unix(),
	})

	// Exercised under -race: concurrent draws share one rng.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_, ok := b.SelectPod()
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}

func TestCleanupStale(t *testing.T) {
	b := NewBalancer()
	now := time.Now().Unix()

	b.Update(PodMetrics{PodID: "fresh", LastUpdated: now - 30})
	b.Update(PodMetrics{PodID: "stale", LastUpdated: now - 90})

	b.CleanupStale()

	snap := b.Snapshot()
	assert.Contains(t, snap, "fresh")
	assert.NotContains(t, snap, "stale")

	_, ok := b.Weight("stale")
	assert.False(t, ok)

	// Fresh pods remain selectable.
	id, ok := b.SelectPod()
	require.True(t, ok)
	assert.Equal(t, "fresh", id)
}
