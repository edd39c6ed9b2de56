package session

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luisfbl/chat-actor/internal/bus"
	"github.com/luisfbl/chat-actor/internal/relay"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum inbound frame size.
	maxMessageSize = 4096

	// Probe interval and how long the peer may stay silent before the
	// session is closed.
	defaultHeartbeatInterval = 6 * time.Second
	defaultClientTimeout     = 12 * time.Second

	// Outbound buffer; the shard's fan-out never blocks on a slow client,
	// overflow is dropped.
	sendBuffer = 256
)

// Relay is the shard surface a session needs. Satisfied by *relay.Shard.
type Relay interface {
	Register(username string, r relay.Receiver)
	Unregister(username string)
	Send(msg bus.UserMessage)
}

// Session is one upgraded client connection bound to a username and a shard.
// A read pump and a write pump split the connection; heartbeat state is the
// only thing they share.
type Session struct {
	username string
	conn     *websocket.Conn
	relay    Relay
	send     chan []byte
	log      zerolog.Logger

	// Unix nanos of the last ping/pong seen from the peer.
	lastHeartbeat atomic.Int64

	// Overridable for tests; zero values fall back to the defaults.
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
}

// New creates a session for an upgraded connection.
func New(username string, conn *websocket.Conn, r Relay, log zerolog.Logger) *Session {
	return &Session{
		username:          username,
		conn:              conn,
		relay:             r,
		send:              make(chan []byte, sendBuffer),
		log:               log.With().Str("username", username).Logger(),
		HeartbeatInterval: defaultHeartbeatInterval,
		ClientTimeout:     defaultClientTimeout,
	}
}

// Username returns the opaque identifier this session is bound to.
func (s *Session) Username() string {
	return s.username
}

// Deliver implements relay.Receiver. It serializes the event to the client
// schema and enqueues it without blocking the shard loop.
func (s *Session) Deliver(msg bus.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	select {
	case s.send <- payload:
	default:
		s.log.Warn().Msg("send buffer full, dropping event")
	}
}

// Serve registers the session with its shard and starts both pumps. It
// returns immediately; the pumps own the connection from here on.
func (s *Session) Serve() {
	s.touch()
	s.relay.Register(s.username, s)

	go s.writePump()
	go s.readPump()
}

func (s *Session) touch() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

func (s *Session) sinceHeartbeat() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastHeartbeat.Load())
}

// readPump parses inbound frames until the connection dies, then
// unregisters. Malformed text frames are dropped on the floor.
func (s *Session) readPump() {
	defer func() {
		s.relay.Unregister(s.username)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPingHandler(func(payload string) error {
		s.touch()
		return s.conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var msg bus.UserMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Username == "" {
			continue
		}
		s.relay.Send(msg)
	}
}

// writePump owns all data writes. Its ticker doubles as the heartbeat
// watchdog: a peer silent past ClientTimeout gets a close frame.
func (s *Session) writePump() {
	interval := s.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	timeout := s.ClientTimeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if s.sinceHeartbeat() > timeout {
				s.log.Info().Msg("client heartbeat timeout, closing")
				s.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "heartbeat timeout"),
					time.Now().Add(writeWait),
				)
				return
			}

			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
