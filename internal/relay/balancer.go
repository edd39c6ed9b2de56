package relay

import (
	"sort"
	"sync"
	"time"
)

// Metrics is the balancer's view of one shard.
type Metrics struct {
	RelayID           uint32  `json:"relay_id"`
	ActiveConnections int     `json:"active_connections"`
	MessageThroughput float64 `json:"message_throughput"`
	AvgResponseTime   float64 `json:"avg_response_time"`
	LastUpdated       int64   `json:"last_updated"`
}

// Move is one advised user migration. Advisory only; nothing executes it.
type Move struct {
	Username string `json:"username"`
	From     uint32 `json:"from"`
	To       uint32 `json:"to"`
}

// Balancer assigns users to shards. Reads dominate (every upgrade and every
// metric scrape), so the maps sit behind a readers-writer lock.
type Balancer struct {
	mu          sync.RWMutex
	relays      map[uint32]*Shard
	metrics     map[uint32]Metrics
	users       map[string]uint32
	maxPerRelay int
}

// NewBalancer creates a balancer with the given per-shard capacity.
func NewBalancer(maxPerRelay int) *Balancer {
	return &Balancer{
		relays:      make(map[uint32]*Shard),
		metrics:     make(map[uint32]Metrics),
		users:       make(map[string]uint32),
		maxPerRelay: maxPerRelay,
	}
}

// AddRelay registers a shard with zeroed metrics.
func (b *Balancer) AddRelay(id uint32, shard *Shard) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.relays[id] = shard
	b.metrics[id] = Metrics{
		RelayID:     id,
		LastUpdated: time.Now().Unix(),
	}
}

// UpdateMetrics overwrites a shard's metric view.
func (b *Balancer) UpdateMetrics(id uint32, connections int, throughput, responseTime float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.metrics[id]; !ok {
		return
	}
	b.metrics[id] = Metrics{
		RelayID:           id,
		ActiveConnections: connections,
		MessageThroughput: throughput,
		AvgResponseTime:   responseTime,
		LastUpdated:       time.Now().Unix(),
	}
}

// Relay returns the shard registered under id.
func (b *Balancer) Relay(id uint32) (*Shard, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.relays[id]
	return s, ok
}

// RelayIDs returns the registered shard ids in ascending order.
func (b *Balancer) RelayIDs() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.sortedIDs()
}

func (b *Balancer) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(b.metrics))
	for id := range b.metrics {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RelayForUser returns the shard for username. The previous assignment is
// reused while that shard stays under capacity; otherwise a new shard is
// picked by score. Returns false when every shard is saturated.
func (b *Balancer) RelayForUser(username string) (uint32, bool) {
	b.mu.RLock()
	if id, ok := b.users[username]; ok {
		if m, ok := b.metrics[id]; ok && m.ActiveConnections < b.maxPerRelay {
			b.mu.RUnlock()
			return id, true
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-check under the write lock; another upgrade may have re-pinned us.
	if id, ok := b.users[username]; ok {
		if m, ok := b.metrics[id]; ok && m.ActiveConnections < b.maxPerRelay {
			return id, true
		}
	}

	id, ok := b.selectOptimal()
	if !ok {
		return 0, false
	}
	b.users[username] = id
	return id, true
}

// selectOptimal scores every under-capacity shard and returns the best.
// Ties break to the lowest relay id. Caller holds the lock.
func (b *Balancer) selectOptimal() (uint32, bool) {
	bestScore := -1.0
	var bestID uint32
	found := false

	for _, id := range b.sortedIDs() {
		m := b.metrics[id]
		if m.ActiveConnections >= b.maxPerRelay {
			continue
		}

		capacityFactor := 1.0 - float64(m.ActiveConnections)/float64(b.maxPerRelay)
		throughputFactor := 1.0 / (1.0 + m.MessageThroughput/1000.0)
		responseFactor := 1.0 / (1.0 + m.AvgResponseTime/100.0)

		score := capacityFactor*0.5 + throughputFactor*0.3 + responseFactor*0.2
		if score > bestScore {
			bestScore = score
			bestID = id
			found = true
		}
	}

	return bestID, found
}

// RemoveUser erases username's sticky assignment.
func (b *Balancer) RemoveUser(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.users, username)
}

// UserCount returns the number of sticky assignments.
func (b *Balancer) UserCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.users)
}

// RebalanceAdvice proposes moving users from the most loaded shard to the
// least loaded one when the spread exceeds a third of capacity. The moves
// are advice only.
func (b *Balancer) RebalanceAdvice() []Move {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.metrics) < 2 {
		return nil
	}

	ids := b.sortedIDs()
	hi, lo := ids[0], ids[0]
	for _, id := range ids {
		if b.metrics[id].ActiveConnections > b.metrics[hi].ActiveConnections {
			hi = id
		}
		if b.metrics[id].ActiveConnections < b.metrics[lo].ActiveConnections {
			lo = id
		}
	}

	hiConns := b.metrics[hi].ActiveConnections
	loConns := b.metrics[lo].ActiveConnections
	if hi == lo || hiConns-loConns <= b.maxPerRelay/3 {
		return nil
	}

	budget := (hiConns - loConns) / 2
	moves := make([]Move, 0, budget)
	for username, id := range b.users {
		if len(moves) >= budget {
			break
		}
		if id == hi {
			moves = append(moves, Move{Username: username, From: hi, To: lo})
		}
	}

	return moves
}

// Snapshot copies the current metric views.
func (b *Balancer) Snapshot() map[uint32]Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[uint32]Metrics, len(b.metrics))
	for id, m := range b.metrics {
		out[id] = m
	}
	return out
}
