package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const (
	// Delay before a dropped subscription reconnects.
	resubscribeDelay = 3 * time.Second

	// TTL on user_location keys; refreshed on every (re)register.
	userLocationTTL = 300 * time.Second

	// Buffer between the pubsub receive loop and the shard ingress pump.
	// When full the receive loop blocks, leaving backpressure on Redis.
	ingressBuffer = 1024
)

// ErrNoEndpoints means no Redis endpoint answered PING at construction.
// The pod cannot run without a bus, so this aborts startup.
var ErrNoEndpoints = errors.New("bus: no reachable redis endpoint")

// Config for the bus client.
type Config struct {
	// Endpoints is the primary node URL list (redis://host:port).
	Endpoints []string
	// Fallbacks are tried, first reachable wins, when every primary fails.
	Fallbacks []string
	// PodID identifies this process on every published envelope.
	PodID string
}

// ClusterInfo describes the bus topology seen by this pod.
type ClusterInfo struct {
	PodID       string `json:"pod_id"`
	Endpoints   int    `json:"endpoint_count"`
	ClusterMode bool   `json:"cluster_mode"`
}

// Client is a multi-endpoint Redis pub/sub client. Channels are partitioned
// over endpoints by a stable hash so every pod maps the same channel to the
// same node. The client is cheap to share: the endpoint list is immutable
// after construction and go-redis clients are safe for concurrent use.
type Client struct {
	endpoints []*redis.Client
	urls      []string
	podID     string
	cluster   bool
	log       zerolog.Logger
}

// NewClient probes every configured endpoint with a synchronous PING and
// keeps the ones that answer. If no primary answers, the fallback list is
// tried in order and the first reachable node is used alone.
func NewClient(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	c := &Client{
		podID: cfg.PodID,
		log:   log.With().Str("component", "bus").Logger(),
	}

	for _, url := range cfg.Endpoints {
		if rc, ok := c.probe(ctx, url); ok {
			c.endpoints = append(c.endpoints, rc)
			c.urls = append(c.urls, url)
		}
	}

	if len(c.endpoints) == 0 && len(cfg.Fallbacks) > 0 {
		c.log.Warn().Msg("no primary redis endpoint reachable, trying fallbacks")
		for _, url := range cfg.Fallbacks {
			if rc, ok := c.probe(ctx, url); ok {
				c.endpoints = append(c.endpoints, rc)
				c.urls = append(c.urls, url)
				break
			}
		}
	}

	if len(c.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	c.cluster = len(c.endpoints) > 1
	c.log.Info().
		Str("pod_id", c.podID).
		Int("endpoints", len(c.endpoints)).
		Bool("cluster_mode", c.cluster).
		Msg("bus client initialized")

	return c, nil
}

func (c *Client) probe(ctx context.Context, url string) (*redis.Client, bool) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		c.log.Error().Err(err).Str("url", url).Msg("invalid redis url")
		return nil, false
	}

	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		c.log.Warn().Err(err).Str("url", url).Msg("redis endpoint unreachable")
		rc.Close()
		return nil, false
	}

	c.log.Info().Str("url", url).Msg("redis endpoint reachable")
	return rc, true
}

// endpointFor partitions channels over endpoints with a stable hash.
// The same channel name resolves to the same endpoint on every pod, provided
// pods share the endpoint list order.
func (c *Client) endpointFor(channel string) *redis.Client {
	return c.endpoints[channelIndex(channel, len(c.endpoints))]
}

func channelIndex(channel string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(channel))
	return int(h.Sum64() % uint64(n))
}

// PodID returns this pod's identity as stamped on published envelopes.
func (c *Client) PodID() string {
	return c.podID
}

// Info returns the bus topology for the health endpoint.
func (c *Client) Info() ClusterInfo {
	return ClusterInfo{
		PodID:       c.podID,
		Endpoints:   len(c.endpoints),
		ClusterMode: c.cluster,
	}
}

// Publish wraps msg in an envelope and publishes it on channel.
func (c *Client) Publish(ctx context.Context, channel string, relayID uint32, msg Message) error {
	payload, err := json.Marshal(NewEnvelope(c.podID, relayID, msg))
	if err != nil {
		return fmt.Errorf("bus publish %s: %w", channel, err)
	}

	if err := c.endpointFor(channel).Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", channel, err)
	}
	return nil
}

// PublishWithFallback tries the primary channel and, on any error, retries
// on the fallback channel. The fallback's result is what the caller sees.
func (c *Client) PublishWithFallback(ctx context.Context, primary, fallback string, relayID uint32, msg Message) error {
	if err := c.Publish(ctx, primary, relayID, msg); err != nil {
		c.log.Warn().Err(err).
			Str("primary", primary).
			Str("fallback", fallback).
			Msg("primary channel failed, trying fallback")
		return c.Publish(ctx, fallback, relayID, msg)
	}
	return nil
}

// Subscribe returns a stream of envelopes received on channel. Envelopes
// published by this pod are dropped (loopback suppression) and corrupt
// payloads are dropped silently. The subscription reconnects on any
// transport error after a short backoff and only ends when ctx is canceled.
func (c *Client) Subscribe(ctx context.Context, channel string) <-chan Envelope {
	out := make(chan Envelope, ingressBuffer)
	client := c.endpointFor(channel)

	go func() {
		defer close(out)

		for {
			if !c.consume(ctx, client, channel, out) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
				c.log.Info().Str("channel", channel).Msg("reconnecting subscription")
			}
		}
	}()

	return out
}

// consume runs one subscription attempt. It returns false when ctx ended
// and true when the transport dropped and a reconnect should follow.
func (c *Client) consume(ctx context.Context, client *redis.Client, channel string, out chan<- Envelope) bool {
	pubsub := client.Subscribe(ctx, channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		c.log.Warn().Err(err).Str("channel", channel).Msg("subscribe failed")
		return true
	}

	c.log.Info().Str("channel", channel).Msg("subscribed")

	// Cancellation without a transport error (a health-check resubscribe, or
	// shutdown on a quiet channel) would otherwise leave this goroutine
	// blocked in the range below until the next message arrives.
	watch := make(chan struct{})
	defer close(watch)
	go unblockOnCancel(ctx, watch, pubsub)

	for msg := range pubsub.Channel() {
		env, ok := decodeEnvelope([]byte(msg.Payload), c.podID)
		if !ok {
			continue
		}

		select {
		case out <- env:
		case <-ctx.Done():
			return false
		}
	}

	return ctx.Err() == nil
}

// unblockOnCancel closes c when ctx ends, terminating a blocked receive.
// done stops the watch when the consumer finishes on its own.
func unblockOnCancel(ctx context.Context, done <-chan struct{}, c io.Closer) {
	select {
	case <-ctx.Done():
		c.Close()
	case <-done:
	}
}

// decodeEnvelope parses a raw payload and applies loopback suppression.
// Corrupt payloads and our own envelopes both report !ok.
func decodeEnvelope(payload []byte, podID string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, false
	}
	if env.FromPodID == podID {
		return Envelope{}, false
	}
	return env, true
}

// SetUserLocation records which pod and shard currently host username.
func (c *Client) SetUserLocation(ctx context.Context, username string, relayID uint32) error {
	key := fmt.Sprintf("user_location:%s", username)
	value := fmt.Sprintf("%s:%d", c.podID, relayID)

	client := c.endpointFor(fmt.Sprintf("user:%s", username))
	if err := client.Set(ctx, key, value, userLocationTTL).Err(); err != nil {
		return fmt.Errorf("bus set %s: %w", key, err)
	}
	return nil
}

// RemoveUserLocation deletes the username's location key.
func (c *Client) RemoveUserLocation(ctx context.Context, username string) error {
	key := fmt.Sprintf("user_location:%s", username)

	client := c.endpointFor(fmt.Sprintf("user:%s", username))
	if err := client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bus del %s: %w", key, err)
	}
	return nil
}

// HealthCheck pings endpoint 0.
func (c *Client) HealthCheck(ctx context.Context) bool {
	return c.endpoints[0].Ping(ctx).Err() == nil
}

// Close releases every endpoint connection.
func (c *Client) Close() {
	for _, rc := range c.endpoints {
		rc.Close()
	}
}
