// ABOUTME: Client-side realtime channel with heartbeat and reconnection
// ABOUTME: One websocket per authenticated client, backoff-bounded reconnects

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrTerminalDisconnect is surfaced once the reconnection budget is spent or
// the session stopped being valid. The channel will not retry further.
var ErrTerminalDisconnect = errors.New("realtime: terminal disconnect")

// DefaultHeartbeatInterval keeps idle connections alive through proxies.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultResetAfter is how long a connection must survive before the
// reconnect budget is considered spent on a past outage and starts over.
const DefaultResetAfter = 30 * time.Second

// ChannelConfig configures one client channel.
type ChannelConfig struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string
	// Token is the session bearer token presented on dial.
	Token string
	// SessionValid reports whether the session still verifies; reconnection
	// stops permanently once it returns false. Nil means always valid.
	SessionValid func(ctx context.Context) bool
	// HeartbeatInterval between pings; zero selects the default.
	HeartbeatInterval time.Duration
	// Backoff schedule for reconnects; zero value selects DefaultBackoff.
	Backoff Backoff
	// ResetAfter is how long a connection must live before the reconnect
	// budget resets; zero selects DefaultResetAfter.
	ResetAfter time.Duration
}

// Channel maintains one push-notification socket for an authenticated
// client. On abnormal close it reconnects with exponential backoff while the
// session remains valid; a caller-initiated Close uses the normal close code
// and never triggers reconnection.
type Channel struct {
	cfg    ChannelConfig
	logger *slog.Logger

	events chan []byte
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	termErr error
}

// NewChannel creates a channel; Run starts it.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ResetAfter == 0 {
		cfg.ResetAfter = DefaultResetAfter
	}
	return &Channel{
		cfg:    cfg,
		logger: slog.Default().With("component", "realtime"),
		events: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Events delivers server pushes. The channel is closed when the connection
// ends for good (normal close or terminal disconnect).
func (c *Channel) Events() <-chan []byte {
	return c.events
}

// Done is closed when the channel has permanently stopped.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the channel stopped: nil after a normal close,
// ErrTerminalDisconnect (wrapped) otherwise.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Run connects and services the socket until a normal close, a terminal
// disconnect, or context cancellation. It returns what Err reports.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.done)
	defer close(c.events)

	attempt := 0
	for {
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := c.connectAndServe(ctx)
		if time.Since(started) >= c.cfg.ResetAfter {
			// The connection held for a while, so this drop starts a fresh
			// outage rather than continuing the previous one.
			attempt = 0
		}
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			// Server-initiated orderly shutdown: not a failure.
			return nil
		}

		if c.cfg.SessionValid != nil && !c.cfg.SessionValid(ctx) {
			return c.terminal(fmt.Errorf("%w: session no longer valid", ErrTerminalDisconnect))
		}
		backoff := c.backoffSchedule()
		if attempt >= backoff.MaxAttempts {
			return c.terminal(fmt.Errorf("%w: gave up after %d attempts: %v",
				ErrTerminalDisconnect, attempt, err))
		}

		delay := backoff.Delay(attempt)
		attempt++
		c.logger.Warn("realtime connection lost, reconnecting",
			"attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Channel) terminal(err error) error {
	c.mu.Lock()
	c.termErr = err
	c.mu.Unlock()
	c.logger.Error("realtime channel stopped", "error", err)
	return err
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connectAndServe dials once and pumps messages until the socket drops.
func (c *Channel) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "channel closed")
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("realtime connected", "url", c.cfg.URL)

	readErrs := make(chan error, 1)
	readDone := make(chan struct{})
	readCtx, cancelRead := context.WithCancel(ctx)
	// The reader sends into c.events, which Run closes after this method
	// returns. Joining the reader here keeps that close safe.
	defer func() {
		cancelRead()
		<-readDone
	}()

	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				readErrs <- err
				return
			}
			if c.adoptServerPolicy(data) {
				continue
			}
			select {
			case c.events <- data:
			default:
				// Slow consumer: drop rather than stall the socket.
				c.logger.Warn("realtime event dropped, consumer too slow")
			}
		}
	}()

	heartbeat := c.heartbeatInterval()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "context cancelled")
			return ctx.Err()
		case err := <-readErrs:
			return err
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeat/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// adoptServerPolicy recognizes the connect frame the hub sends first on
// every socket and applies its reconnect schedule. Connect frames are
// consumed here and never reach Events. Malformed fields are ignored so a
// newer server cannot wedge an older client.
func (c *Channel) adoptServerPolicy(data []byte) bool {
	var ev ConnectEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Action != actionConnect {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, err := time.ParseDuration(ev.HeartbeatInterval); err == nil && d > 0 {
		c.cfg.HeartbeatInterval = d
	}
	if d, err := time.ParseDuration(ev.BackoffBase); err == nil && d > 0 {
		c.cfg.Backoff.Base = d
	}
	if d, err := time.ParseDuration(ev.BackoffCap); err == nil && d > 0 {
		c.cfg.Backoff.Cap = d
	}
	if ev.BackoffMultiplier > 0 {
		c.cfg.Backoff.Multiplier = ev.BackoffMultiplier
	}
	if ev.MaxReconnects > 0 {
		c.cfg.Backoff.MaxAttempts = ev.MaxReconnects
	}
	return true
}

func (c *Channel) backoffSchedule() Backoff {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Backoff
}

func (c *Channel) heartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.HeartbeatInterval
}

// Close shuts the channel down from the caller's side using the normal close
// code, so the reconnection logic never fires. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}
