package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luisfbl/chat-actor/internal/bus"
	"github.com/luisfbl/chat-actor/internal/cluster"
	"github.com/luisfbl/chat-actor/internal/metrics"
	"github.com/luisfbl/chat-actor/internal/relay"
	"github.com/luisfbl/chat-actor/internal/session"
)

// BusInfo is the slice of the bus client the HTTP surface needs.
// Satisfied by *bus.Client.
type BusInfo interface {
	Info() bus.ClusterInfo
	HealthCheck(ctx context.Context) bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Username is an opaque identifier from the outer layer; origin
		// policy belongs there too.
		return true
	},
}

// Config for the HTTP server.
type Config struct {
	ListenAddr   string
	PodID        string
	UpgradeRate  float64
	UpgradeBurst int
}

// Server exposes the websocket endpoint and the operational endpoints.
type Server struct {
	cfg        Config
	relays     *relay.Balancer
	pods       *cluster.Balancer
	busInfo    BusInfo
	limiter    *rate.Limiter
	log        zerolog.Logger
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg Config, relays *relay.Balancer, pods *cluster.Balancer, busInfo BusInfo, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		relays:  relays,
		pods:    pods,
		busInfo: busInfo,
		limiter: rate.NewLimiter(rate.Limit(cfg.UpgradeRate), cfg.UpgradeBurst),
		log:     log.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{username}", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /relays", s.handleRelays)
	mux.Handle("GET /metrics/prometheus", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.corsMiddleware(mux),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: it would kill long-lived websocket connections.
	}

	return s
}

// Handler returns the root handler, used by tests with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow() {
		metrics.UpgradesRejected.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	relayID, ok := s.relays.RelayForUser(username)
	if !ok {
		// Every shard is at capacity.
		metrics.UpgradesRejected.Inc()
		s.log.Warn().Str("username", username).Msg("no relay capacity, refusing upgrade")
		http.Error(w, "no relay capacity", http.StatusInternalServerError)
		return
	}

	shard, ok := s.relays.Relay(relayID)
	if !ok {
		metrics.UpgradesRejected.Inc()
		http.Error(w, "relay unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("websocket upgrade failed")
		return
	}

	s.log.Info().Str("username", username).Uint32("relay_id", relayID).Msg("session accepted")
	session.New(username, conn, shard, s.log).Serve()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	relayConns := make(map[uint32]int)
	for id, m := range s.relays.Snapshot() {
		relayConns[id] = m.ActiveConnections
	}

	clusterPods := len(s.pods.Snapshot())

	writeJSON(w, map[string]any{
		"status":       "healthy",
		"pod_id":       s.cfg.PodID,
		"relays":       relayConns,
		"cluster_pods": clusterPods,
		"bus":          s.busInfo.Info(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"pod_metrics":   s.pods.Snapshot(),
		"relay_metrics": s.relays.Snapshot(),
		"timestamp":     time.Now().Unix(),
	})
}

func (s *Server) handleRelays(w http.ResponseWriter, r *http.Request) {
	snapshot := s.relays.Snapshot()

	detailed := make(map[uint32]any, len(snapshot))
	for id, m := range snapshot {
		entry := map[string]any{"metrics": m}
		if shard, ok := s.relays.Relay(id); ok {
			entry["peer_relays"] = shard.Peers()
		}
		detailed[id] = entry
	}

	writeJSON(w, map[string]any{
		"active_relays":  s.relays.RelayIDs(),
		"detailed_stats": detailed,
		"pod_id":         s.cfg.PodID,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
