// Package realtime implements the relay side of the Realtime Subscriber
// (§4.E): Hub fans a rowstore.Gateway's insert/update events out to
// connected WebSocket subscribers over the two logical channels —
// incoming-call (subscribe_inserts) and per-call (subscribe_call) — and
// Client is the corresponding WebSocket client for a standalone subscriber
// of that relay (cmd/callrelay serves Hub directly over a Gateway; Client
// is for a consumer that only has relay access, not its own Gateway).
//
// internal/engine does not use Client: its Gateway field is satisfied
// directly by rowstore.PostgresGateway or rowstore.MemoryGateway, both of
// which implement Subscribe/SubscribeInserts themselves, so the engine
// never needs to go through the wire protocol Client speaks.
//
// Client is adapted directly from the teacher's
// internal/signaling.Client: the dial/reconnect/backoff machinery is
// carried over nearly unchanged, with the join/peers/offer message set
// replaced by subscribe_inserts/subscribe_call/insert/update.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/callwire/pkg/callproto"
)

// ReconnectConfig controls the reconnection backoff strategy.
type ReconnectConfig struct {
	// Enabled controls whether automatic reconnection is attempted.
	Enabled bool

	// InitialDelay is the delay before the first reconnection attempt.
	// Defaults to 1s.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between reconnection attempts.
	// Defaults to 30s.
	MaxDelay time.Duration

	// MaxAttempts is the maximum number of reconnection attempts. Zero
	// means unlimited.
	MaxAttempts int
}

// ClientConfig holds configuration for a realtime Client.
type ClientConfig struct {
	// RelayURL is the WebSocket URL of the realtime relay.
	RelayURL string

	// Role and ProfileID identify this endpoint for the subscribe_inserts
	// filter (§4.A, §4.E channel 1).
	Role      callproto.Role
	ProfileID string

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// MessageBufferSize is the capacity of the inbound message channel.
	// Defaults to 64 if zero.
	MessageBufferSize int

	// DialTimeout bounds the duration of each WebSocket dial attempt.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// Reconnect controls automatic reconnection behavior.
	Reconnect ReconnectConfig
}

// Client is a WebSocket client for the realtime relay. It connects,
// subscribes to the incoming-call channel, and delivers relay messages on
// a channel. It supports automatic reconnection with exponential backoff.
type Client struct {
	cfg    ClientConfig
	log    *slog.Logger
	msgCh  chan callproto.Message
	done   chan struct{}
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	reconnCh    chan struct{}
	activeCalls map[string]struct{} // per-call subscriptions to re-establish on reconnect
}

// NewClient creates a new realtime client with the given configuration.
// Call Connect to establish the connection and start receiving messages.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "realtime", "role", cfg.Role, "profile_id", cfg.ProfileID)

	bufSize := cfg.MessageBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	return &Client{
		cfg:         cfg,
		log:         log,
		msgCh:       make(chan callproto.Message, bufSize),
		done:        make(chan struct{}),
		reconnCh:    make(chan struct{}, 1),
		activeCalls: make(map[string]struct{}),
	}
}

// Messages returns a read-only channel that delivers incoming realtime
// messages: subscribed confirmations, insert events, update events, and
// relay-reported errors.
func (c *Client) Messages() <-chan callproto.Message {
	return c.msgCh
}

// Connect dials the relay, subscribes to the incoming-call channel, and
// starts the receive loop. Connect blocks until the initial connection is
// established or fails; reconnection afterward happens in the background.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to realtime relay: %w", err)
	}

	if err := c.sendSubscribeInserts(ctx); err != nil {
		cancel()
		c.closeConn()
		return fmt.Errorf("subscribing to incoming calls: %w", err)
	}

	c.log.Info("connected to realtime relay", "url", c.cfg.RelayURL)

	go c.receiveLoop(ctx)

	return nil
}

// SubscribeCall binds this connection to UPDATE events for callID (§4.E
// channel 2). The subscription is re-sent automatically across
// reconnects until UnsubscribeCall is called.
func (c *Client) SubscribeCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	c.activeCalls[callID] = struct{}{}
	c.mu.Unlock()

	return c.Send(ctx, &callproto.SubscribeCallMessage{CallID: callID})
}

// UnsubscribeCall releases a previous SubscribeCall subscription.
func (c *Client) UnsubscribeCall(ctx context.Context, callID string) error {
	c.mu.Lock()
	delete(c.activeCalls, callID)
	c.mu.Unlock()

	return c.Send(ctx, &callproto.UnsubscribeCallMessage{CallID: callID})
}

// Send sends a message to the relay.
func (c *Client) Send(ctx context.Context, msg callproto.Message) error {
	data, err := callproto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	c.log.Debug("sent message", "type", msg.MessageType())
	return nil
}

// ForceReconnect triggers an immediate reconnection attempt, skipping
// backoff on the next try. Safe to call from any goroutine. No-op if
// reconnection is not enabled.
func (c *Client) ForceReconnect() {
	if !c.cfg.Reconnect.Enabled {
		return
	}

	c.log.Info("force reconnect requested")

	select {
	case c.reconnCh <- struct{}{}:
	default:
	}

	c.closeConn()
}

// Close gracefully shuts down the client.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dialTimeout := c.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.RelayURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return nil
}

func (c *Client) sendSubscribeInserts(ctx context.Context) error {
	return c.Send(ctx, &callproto.SubscribeInsertsMessage{
		Role:      c.cfg.Role,
		ProfileID: c.cfg.ProfileID,
	})
}

// resubscribe re-establishes the incoming-call subscription and every
// active per-call subscription after a reconnect.
func (c *Client) resubscribe(ctx context.Context) error {
	if err := c.sendSubscribeInserts(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	callIDs := make([]string, 0, len(c.activeCalls))
	for id := range c.activeCalls {
		callIDs = append(callIDs, id)
	}
	c.mu.Unlock()

	for _, id := range callIDs {
		if err := c.Send(ctx, &callproto.SubscribeCallMessage{CallID: id}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.msgCh)

	for {
		err := c.readMessages(ctx)
		if err == nil || ctx.Err() != nil {
			c.closeConn()
			return
		}

		c.log.Warn("realtime connection lost", "error", err)
		c.closeConn()

		if !c.cfg.Reconnect.Enabled {
			return
		}

		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) readMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return errors.New("no connection")
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		msg, err := callproto.Unmarshal(data)
		if err != nil {
			c.log.Warn("ignoring malformed message", "error", err)
			continue
		}

		c.log.Debug("received message", "type", msg.MessageType())

		select {
		case c.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isHTTP401(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status code 101 but got 401")
}

// reconnect attempts to re-establish the connection with exponential
// backoff, re-subscribing to every active channel on success. Returns true
// if reconnection succeeded, false if it should give up.
func (c *Client) reconnect(ctx context.Context) bool {
	initialDelay := c.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := c.cfg.Reconnect.MaxAttempts

	immediate := false
	select {
	case <-c.reconnCh:
		immediate = true
	default:
	}

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if immediate && attempt == 1 {
			c.log.Info("reconnecting immediately (forced)", "attempt", attempt)
		} else {
			backoff := maxDelay
			if attempt <= 62 {
				backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
			}
			if backoff <= 0 || backoff > maxDelay {
				backoff = maxDelay
			}

			c.log.Info("reconnecting", "attempt", attempt, "backoff", backoff)

			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnection failed", "attempt", attempt, "error", err)
			if isHTTP401(err) {
				c.log.Error("relay rejected connection with 401; no credential refresh configured")
			}
			continue
		}

		if err := c.resubscribe(ctx); err != nil {
			c.log.Warn("resubscribe failed", "attempt", attempt, "error", err)
			c.closeConn()
			continue
		}

		c.log.Info("reconnected to realtime relay", "attempt", attempt)
		return true
	}

	c.log.Error("reconnection attempts exhausted")
	return false
}
