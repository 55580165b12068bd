// ABOUTME: Server-side realtime hub accepting websocket clients
// ABOUTME: Verifies the session token before upgrade and broadcasts events

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// TokenVerifier checks a bearer token before a socket upgrade is accepted.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) error
}

// Event is one push notification.
type Event struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	Record string `json:"record"`
	Tenant string `json:"tenant,omitempty"`
}

// actionConnect marks the policy frame that opens every socket.
const actionConnect = "connect"

// ConnectEvent is the first frame the hub sends on every socket. It carries
// the reconnect policy clients should follow, so the server's realtime
// settings reach every client without client-side configuration.
type ConnectEvent struct {
	Action            string  `json:"action"`
	HeartbeatInterval string  `json:"heartbeat_interval"`
	BackoffBase       string  `json:"backoff_base"`
	BackoffCap        string  `json:"backoff_cap"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxReconnects     int     `json:"max_reconnects"`
}

// HubConfig tunes the server side of the realtime surface. Zero fields take
// the package defaults.
type HubConfig struct {
	// HeartbeatInterval between server pings to each client.
	HeartbeatInterval time.Duration
	// Reconnect is the backoff schedule advertised to clients on connect.
	Reconnect Backoff
}

const clientSendBuffer = 16

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected realtime clients.
type Hub struct {
	verifier     TokenVerifier
	cfg          HubConfig
	connectFrame []byte
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

// NewHub creates a hub using verifier to gate upgrades.
func NewHub(verifier TokenVerifier, cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	frame, err := json.Marshal(ConnectEvent{
		Action:            actionConnect,
		HeartbeatInterval: cfg.HeartbeatInterval.String(),
		BackoffBase:       cfg.Reconnect.Base.String(),
		BackoffCap:        cfg.Reconnect.Cap.String(),
		BackoffMultiplier: cfg.Reconnect.Multiplier,
		MaxReconnects:     cfg.Reconnect.MaxAttempts,
	})
	if err != nil {
		panic("realtime: marshaling connect frame: " + err.Error())
	}

	return &Hub{
		verifier:     verifier,
		cfg:          cfg,
		connectFrame: frame,
		logger:       slog.Default().With("component", "realtime-hub"),
		clients:      make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request to a websocket and services it
// until the client goes away or the hub shuts down.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	if err := h.verifier.VerifyToken(r.Context(), token); err != nil {
		// Generic rejection; nothing about the token's state leaks.
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	// The policy frame goes out before anything else; the buffer is empty
	// here so this never blocks.
	client.send <- h.connectFrame

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "hub shutting down")
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("realtime client connected", "clients", count)

	defer h.drop(client)

	ctx := r.Context()

	// Reader drains client frames (pings are answered by the library);
	// its exit means the client is gone.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server closing")
			return
		case <-readDone:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.HeartbeatInterval/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case msg, ok := <-client.send:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "hub shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	c.conn.Close(websocket.StatusGoingAway, "dropped")
	h.logger.Debug("realtime client disconnected", "clients", count)
}

// Broadcast queues a payload for every connected client. Slow clients are
// skipped rather than blocking the publisher.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client with the normal close code so client-side
// reconnection logic does not fire.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusNormalClosure, "server shutting down")
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browser websocket clients cannot set headers; allow a query param.
	return r.URL.Query().Get("token")
}
