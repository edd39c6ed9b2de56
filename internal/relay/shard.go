package relay

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luisfbl/chat-actor/internal/bus"
	"github.com/luisfbl/chat-actor/internal/metrics"
)

const (
	// Mailbox depth; sends are non-blocking, overflow is dropped and logged.
	mailboxBuffer = 2048

	// Ingress poll cadence and per-tick envelope budget. Leftover envelopes
	// stay buffered in the subscription stream.
	pumpInterval  = 5 * time.Millisecond
	pumpBatchSize = 10

	heartbeatInterval   = 15 * time.Second
	healthCheckInterval = 30 * time.Second
)

// Bus is the pub/sub surface a shard needs. Satisfied by *bus.Client.
type Bus interface {
	PublishWithFallback(ctx context.Context, primary, fallback string, relayID uint32, msg bus.Message) error
	Subscribe(ctx context.Context, channel string) <-chan bus.Envelope
	SetUserLocation(ctx context.Context, username string, relayID uint32) error
	RemoveUserLocation(ctx context.Context, username string) error
	HealthCheck(ctx context.Context) bool
}

// Receiver is a session's delivery endpoint. Deliver must not block; sessions
// enqueue into their own outbound buffer and drop on overflow.
type Receiver interface {
	Deliver(msg bus.Message)
}

type command interface{ isCommand() }

type registerCmd struct {
	username string
	sess     Receiver
}

type unregisterCmd struct {
	username string
}

type userMessageCmd struct {
	msg bus.UserMessage
}

func (registerCmd) isCommand()    {}
func (unregisterCmd) isCommand()  {}
func (userMessageCmd) isCommand() {}

// Shard is one in-process fan-out domain. All state transitions run on the
// single goroutine inside Run, fed by the mailbox and the shard's timers, so
// connections never needs a lock.
type Shard struct {
	id       uint32
	bus      Bus
	balancer *Balancer
	log      zerolog.Logger

	mailbox chan command

	// Owned by the Run loop.
	connections map[string]Receiver
	ingress     <-chan bus.Envelope
	subCancel   context.CancelFunc
	throughput  float64
	prevCount   uint64

	// Cross-goroutine reads.
	connCount     atomic.Int64
	messageCount  atomic.Uint64
	lastMessageAt atomic.Int64
	lastHeartbeat atomic.Int64
	avgResponse   atomic.Uint64 // float64 bits, EMA in ms

	peersMu sync.RWMutex
	peers   map[uint32]int
}

// NewShard creates a shard. The balancer receives live metric pushes so its
// scoring never lags a full heartbeat behind the registry.
func NewShard(id uint32, b Bus, balancer *Balancer, log zerolog.Logger) *Shard {
	return &Shard{
		id:          id,
		bus:         b,
		balancer:    balancer,
		log:         log.With().Uint32("relay_id", id).Logger(),
		mailbox:     make(chan command, mailboxBuffer),
		connections: make(map[string]Receiver),
		peers:       make(map[uint32]int),
	}
}

// ID returns the pod-unique shard id.
func (s *Shard) ID() uint32 {
	return s.id
}

// ActiveConnections returns the current registry size.
func (s *Shard) ActiveConnections() int {
	return int(s.connCount.Load())
}

// AvgResponseMs returns the EMA of ingress batch processing time.
func (s *Shard) AvgResponseMs() float64 {
	return math.Float64frombits(s.avgResponse.Load())
}

// Peers returns the last observed connection counts of remote relays.
func (s *Shard) Peers() map[uint32]int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	out := make(map[uint32]int, len(s.peers))
	for id, n := range s.peers {
		out[id] = n
	}
	return out
}

// Register asks the shard to add a session for username.
func (s *Shard) Register(username string, sess Receiver) {
	s.enqueue(registerCmd{username: username, sess: sess})
}

// Unregister asks the shard to drop username's session.
func (s *Shard) Unregister(username string) {
	s.enqueue(unregisterCmd{username: username})
}

// Send asks the shard to fan out a chat message.
func (s *Shard) Send(msg bus.UserMessage) {
	s.enqueue(userMessageCmd{msg: msg})
}

func (s *Shard) enqueue(cmd command) {
	select {
	case s.mailbox <- cmd:
	default:
		s.log.Warn().Msg("mailbox full, dropping command")
		metrics.MailboxDropped.Inc()
	}
}

// Run is the shard's event loop. Only this goroutine touches connections.
func (s *Shard) Run(ctx context.Context) {
	s.initSubscriptions(ctx)
	s.lastHeartbeat.Store(time.Now().Unix())

	pump := time.NewTicker(pumpInterval)
	heartbeat := time.NewTicker(heartbeatInterval)
	health := time.NewTicker(healthCheckInterval)
	defer pump.Stop()
	defer heartbeat.Stop()
	defer health.Stop()

	s.log.Info().Msg("relay started")

	for {
		select {
		case <-ctx.Done():
			if s.subCancel != nil {
				s.subCancel()
			}
			s.log.Info().Msg("relay stopped")
			return

		case cmd := <-s.mailbox:
			s.handle(ctx, cmd)

		case <-pump.C:
			s.drainIngress(ctx)

		case <-heartbeat.C:
			s.publishHeartbeat(ctx)

		case <-health.C:
			s.checkBusHealth(ctx)
		}
	}
}

// initSubscriptions merges the shard's own channels and the global fallbacks
// into one ingress stream. Subscribing to the globals as well is what keeps
// pods with disjoint relay id ranges from silently partitioning.
func (s *Shard) initSubscriptions(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	s.subCancel = cancel

	channels := []string{
		bus.MessageChannel(s.id),
		bus.MessagesGlobal,
		bus.EventChannel(s.id),
		bus.EventsGlobal,
		bus.HeartbeatChannel(s.id),
		bus.HeartbeatGlobal,
	}

	merged := make(chan bus.Envelope, mailboxBuffer)
	for _, channel := range channels {
		src := s.bus.Subscribe(subCtx, channel)
		go func() {
			for env := range src {
				select {
				case merged <- env:
				case <-subCtx.Done():
					return
				}
			}
		}()
	}

	s.ingress = merged
	s.log.Info().Strs("channels", channels).Msg("bus subscriptions established")
}

func (s *Shard) handle(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case registerCmd:
		s.handleRegister(ctx, c.username, c.sess)
	case unregisterCmd:
		s.handleUnregister(ctx, c.username)
	case userMessageCmd:
		s.handleUserMessage(ctx, c.msg)
	}
}

func (s *Shard) handleRegister(ctx context.Context, username string, sess Receiver) {
	if _, ok := s.connections[username]; ok {
		s.log.Debug().Str("username", username).Msg("already registered")
		return
	}

	// Existing members learn about the newcomer; the newcomer gets nothing.
	join := bus.JoinEvent{Username: username}
	for _, other := range s.connections {
		other.Deliver(join)
	}

	s.connections[username] = sess
	s.connCount.Store(int64(len(s.connections)))
	s.pushMetrics()
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()

	s.log.Info().Str("username", username).Int("connections", len(s.connections)).Msg("session registered")

	go func() {
		if err := s.bus.SetUserLocation(ctx, username, s.id); err != nil {
			s.log.Warn().Err(err).Str("username", username).Msg("failed to store user location")
		}
		if err := s.bus.PublishWithFallback(ctx, bus.EventChannel(s.id), bus.EventsGlobal, s.id, join); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish join event")
			metrics.BusPublishFailures.Inc()
		}
	}()
}

func (s *Shard) handleUnregister(ctx context.Context, username string) {
	if _, ok := s.connections[username]; !ok {
		return
	}

	delete(s.connections, username)
	s.connCount.Store(int64(len(s.connections)))
	s.pushMetrics()
	metrics.ConnectionsActive.Dec()

	leave := bus.UnRegisterConnection{Username: username}
	for _, other := range s.connections {
		other.Deliver(leave)
	}

	s.log.Info().Str("username", username).Int("connections", len(s.connections)).Msg("session unregistered")

	go func() {
		if err := s.bus.RemoveUserLocation(ctx, username); err != nil {
			s.log.Warn().Err(err).Str("username", username).Msg("failed to remove user location")
		}
		if err := s.bus.PublishWithFallback(ctx, bus.EventChannel(s.id), bus.EventsGlobal, s.id, leave); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish leave event")
			metrics.BusPublishFailures.Inc()
		}
	}()
}

func (s *Shard) handleUserMessage(ctx context.Context, msg bus.UserMessage) {
	for username, sess := range s.connections {
		if username == msg.Username {
			continue
		}
		sess.Deliver(msg)
		metrics.MessagesDelivered.Inc()
	}

	s.messageCount.Add(1)
	s.lastMessageAt.Store(time.Now().Unix())

	go func() {
		if err := s.bus.PublishWithFallback(ctx, bus.MessageChannel(s.id), bus.MessagesGlobal, s.id, msg); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish user message")
			metrics.BusPublishFailures.Inc()
		}
		metrics.BusPublished.Inc()
	}()
}

// drainIngress pulls at most pumpBatchSize envelopes off the merged
// subscription stream, then folds the batch's wall time into the EMA.
func (s *Shard) drainIngress(ctx context.Context) {
	start := time.Now()
	processed := 0

drain:
	for processed < pumpBatchSize {
		select {
		case env := <-s.ingress:
			s.handleEnvelope(env)
			processed++
		default:
			break drain
		}
	}

	if processed > 0 {
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0
		old := math.Float64frombits(s.avgResponse.Load())
		s.avgResponse.Store(math.Float64bits(old*0.9 + elapsed*0.1))
		metrics.BusReceived.Add(float64(processed))
	}
}

func (s *Shard) handleEnvelope(env bus.Envelope) {
	switch m := env.Message.(type) {
	case bus.UserMessage:
		for username, sess := range s.connections {
			if username == m.Username {
				continue
			}
			sess.Deliver(m)
			metrics.MessagesDelivered.Inc()
		}
		s.messageCount.Add(1)
		s.lastMessageAt.Store(time.Now().Unix())

	case bus.JoinEvent:
		for _, sess := range s.connections {
			sess.Deliver(m)
		}

	case bus.UnRegisterConnection:
		for _, sess := range s.connections {
			sess.Deliver(m)
		}

	case bus.RelayHeartbeat:
		if m.RelayID == s.id {
			return
		}
		s.peersMu.Lock()
		s.peers[m.RelayID] = m.ActiveConnections
		s.peersMu.Unlock()
		s.log.Debug().
			Uint32("peer_relay", m.RelayID).
			Str("peer_pod", env.FromPodID).
			Int("peer_connections", m.ActiveConnections).
			Msg("peer heartbeat")
	}
}

func (s *Shard) publishHeartbeat(ctx context.Context) {
	count := s.messageCount.Load()
	s.throughput = float64(count-s.prevCount) / heartbeatInterval.Seconds()
	s.prevCount = count
	s.lastHeartbeat.Store(time.Now().Unix())
	s.pushMetrics()

	hb := bus.RelayHeartbeat{RelayID: s.id, ActiveConnections: len(s.connections)}
	go func() {
		if err := s.bus.PublishWithFallback(ctx, bus.HeartbeatChannel(s.id), bus.HeartbeatGlobal, s.id, hb); err != nil {
			s.log.Warn().Err(err).Msg("failed to publish heartbeat")
			metrics.BusPublishFailures.Inc()
		}
	}()
}

// checkBusHealth re-establishes subscriptions when the bus stops answering.
// The subscription streams themselves already reconnect on transport errors;
// this guards against the whole endpoint going away between reconnects.
func (s *Shard) checkBusHealth(ctx context.Context) {
	if s.bus.HealthCheck(ctx) {
		return
	}

	s.log.Warn().Msg("bus health check failed, reinitializing subscriptions")
	if s.subCancel != nil {
		s.subCancel()
	}
	s.initSubscriptions(ctx)
}

func (s *Shard) pushMetrics() {
	if s.balancer == nil {
		return
	}
	s.balancer.UpdateMetrics(s.id, len(s.connections), s.throughput, s.AvgResponseMs())
}
