package cluster

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Pods unseen for longer than this are evicted.
const staleAfter = 60 * time.Second

// PodMetrics is one pod's reported load.
type PodMetrics struct {
	PodID             string  `json:"pod_id"`
	ActiveConnections int     `json:"active_connections"`
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	RelayCount        int     `json:"relay_count"`
	LastUpdated       int64   `json:"last_updated"`
}

// Balancer picks pods for new sessions by weighted random draw over
// heterogeneous pods. Weights derive from connections, CPU and memory and
// are floored at 0.1 so a loaded pod still gets the occasional pick.
type Balancer struct {
	mu      sync.RWMutex
	pods    map[string]PodMetrics
	weights map[string]float64

	// rand.Rand is not safe for concurrent use; the draw in SelectPod runs
	// under the read lock, so the rng needs its own mutex.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewBalancer creates an empty pod balancer.
func NewBalancer() *Balancer {
	return &Balancer{
		pods:    make(map[string]PodMetrics),
		weights: make(map[string]float64),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Update stores a pod's metrics and recomputes its weight.
func (b *Balancer) Update(m PodMetrics) {
	connectionFactor := 1.0 - minFloat(float64(m.ActiveConnections)/1000.0, 1.0)
	cpuFactor := 1.0 - m.CPUUsage/100.0
	memoryFactor := 1.0 - m.MemoryUsage/100.0

	weight := connectionFactor*0.5 + cpuFactor*0.3 + memoryFactor*0.2
	if weight < 0.1 {
		weight = 0.1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pods[m.PodID] = m
	b.weights[m.PodID] = weight
}

// Weight returns a pod's current weight.
func (b *Balancer) Weight(podID string) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w, ok := b.weights[podID]
	return w, ok
}

// SelectPod draws a pod at random, proportionally to the weights. Returns
// false only when no pod is known.
func (b *Balancer) SelectPod() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.weights) == 0 {
		return "", false
	}

	ids := make([]string, 0, len(b.weights))
	total := 0.0
	for id, w := range b.weights {
		ids = append(ids, id)
		total += w
	}
	sort.Strings(ids)

	b.rngMu.Lock()
	draw := b.rng.Float64()
	b.rngMu.Unlock()

	remaining := draw * total
	for _, id := range ids {
		remaining -= b.weights[id]
		if remaining <= 0 {
			return id, true
		}
	}

	// Rounding left the scan short; any stored pod is fine.
	return ids[0], true
}

// CleanupStale evicts pods not heard from within the staleness window.
func (b *Balancer) CleanupStale() {
	cutoff := time.Now().Add(-staleAfter).Unix()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, m := range b.pods {
		if m.LastUpdated < cutoff {
			delete(b.pods, id)
			delete(b.weights, id)
		}
	}
}

// Snapshot copies the known pod metrics.
func (b *Balancer) Snapshot() map[string]PodMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]PodMetrics, len(b.pods))
	for id, m := range b.pods {
		out[id] = m
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
