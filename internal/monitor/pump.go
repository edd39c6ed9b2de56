package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/luisfbl/chat-actor/internal/cluster"
	"github.com/luisfbl/chat-actor/internal/metrics"
	"github.com/luisfbl/chat-actor/internal/relay"
)

const pumpInterval = 10 * time.Second

// Pump periodically folds shard metrics and host load into the pod balancer
// and asks the relay balancer whether a rebalance is advisable. Host
// sampling can block briefly, which is why it runs on the pump's own
// goroutine and nowhere near a shard loop.
type Pump struct {
	podID    string
	relays   *relay.Balancer
	pods     *cluster.Balancer
	interval time.Duration
	log      zerolog.Logger

	// Samplers are fields so tests can substitute deterministic load.
	cpuPercent func() (float64, error)
	memPercent func() (float64, error)
}

// NewPump wires the pump to both balancers.
func NewPump(podID string, relays *relay.Balancer, pods *cluster.Balancer, log zerolog.Logger) *Pump {
	return &Pump{
		podID:      podID,
		relays:     relays,
		pods:       pods,
		interval:   pumpInterval,
		log:        log.With().Str("component", "monitor").Logger(),
		cpuPercent: hostCPUPercent,
		memPercent: hostMemPercent,
	}
}

// Run collects until ctx is canceled.
func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Collect()
		}
	}
}

// Collect performs one pump cycle.
func (p *Pump) Collect() {
	snapshot := p.relays.Snapshot()

	total := 0
	for _, m := range snapshot {
		total += m.ActiveConnections
	}

	cpuPct, err := p.cpuPercent()
	if err != nil {
		p.log.Warn().Err(err).Msg("cpu sample failed")
	}
	memPct, err := p.memPercent()
	if err != nil {
		p.log.Warn().Err(err).Msg("memory sample failed")
	}

	p.pods.Update(cluster.PodMetrics{
		PodID:             p.podID,
		ActiveConnections: total,
		CPUUsage:          cpuPct,
		MemoryUsage:       memPct,
		RelayCount:        len(snapshot),
		LastUpdated:       time.Now().Unix(),
	})
	p.pods.CleanupStale()

	metrics.CPUUsagePercent.Set(cpuPct)
	metrics.MemoryUsagePercent.Set(memPct)

	if moves := p.relays.RebalanceAdvice(); len(moves) > 0 {
		p.log.Warn().
			Int("moves", len(moves)).
			Uint32("from", moves[0].From).
			Uint32("to", moves[0].To).
			Msg("relay load imbalance, rebalance advised")
	}
}

func hostCPUPercent() (float64, error) {
	// 100ms sample: instantaneous (0) has no baseline on first call and a
	// 1s sample blocks too long for the pump cycle.
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func hostMemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
