// Package notify maintains the push-notification channel between the console
// and the backend: a single WebSocket connection with heartbeat keep-alive,
// bounded exponential reconnect and synchronous listener fanout.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State enumerates the transport connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

const (
	// DefaultHeartbeatInterval is how often a ping frame is sent while open.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultMaxReconnectAttempts bounds the reconnect budget after unclean
	// closes. A clean close never triggers a reconnect.
	DefaultMaxReconnectAttempts = 5
	// maxBackoff caps the exponential reconnect delay.
	maxBackoff = 30 * time.Second
)

// Listener receives a single notification payload. Fanout is synchronous and
// carries no ordering guarantee across listeners.
type Listener func(payload json.RawMessage)

// message is the inbound envelope on the notification channel.
type message struct {
	Type          string            `json:"type"`
	Notification  json.RawMessage   `json:"notification,omitempty"`
	Notifications []json.RawMessage `json:"notifications,omitempty"`
}

type heartbeat struct {
	Type string `json:"type"`
}

// Transport manages the notification WebSocket. At most one logical
// connection exists per Transport; Connect is a no-op while a connection is
// open or being established. All state transitions happen under one mutex,
// and a generation counter neutralizes events from torn-down connections so
// a late read cannot fire into cleared state after Disconnect.
type Transport struct {
	endpoint string
	logger   *slog.Logger

	dial                 func(ctx context.Context, rawURL string) (*websocket.Conn, error)
	heartbeatInterval    time.Duration
	maxReconnectAttempts int
	backoff              func(attempt int) time.Duration
	afterFunc            func(d time.Duration, fn func()) *time.Timer

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	token             string
	listeners         map[string]Listener
	reconnectAttempts int
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}
	generation        uint64
}

// Option customizes Transport construction.
type Option func(*Transport)

// WithHeartbeatInterval overrides the ping cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.heartbeatInterval = d
		}
	}
}

// WithMaxReconnectAttempts overrides the reconnect budget.
func WithMaxReconnectAttempts(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxReconnectAttempts = n
		}
	}
}

// WithBackoff replaces the reconnect delay schedule. The default is pure
// exponential without jitter; keep it injectable so timing-sensitive tests
// and jitter experiments do not change the transport itself.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(t *Transport) {
		if fn != nil {
			t.backoff = fn
		}
	}
}

// WithAfterFunc replaces the timer factory used to schedule reconnects.
func WithAfterFunc(fn func(d time.Duration, f func()) *time.Timer) Option {
	return func(t *Transport) {
		if fn != nil {
			t.afterFunc = fn
		}
	}
}

// WithDialer replaces the WebSocket dial function.
func WithDialer(fn func(ctx context.Context, rawURL string) (*websocket.Conn, error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.dial = fn
		}
	}
}

// NewTransport constructs a Transport for the given ws/wss endpoint.
func NewTransport(endpoint string, logger *slog.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		endpoint:             endpoint,
		logger:               logger,
		dial:                 defaultDial,
		heartbeatInterval:    DefaultHeartbeatInterval,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		backoff:              ExponentialBackoff,
		afterFunc:            time.AfterFunc,
		listeners:            make(map[string]Listener),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultDial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	return conn, err
}

// ExponentialBackoff returns min(2^attempt seconds, 30s) for attempt >= 1.
func ExponentialBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		// 2^5s already exceeds the cap; avoid shift overflow on huge inputs.
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Connect establishes the notification channel using the given auth token.
// It is a no-op when a connection is open or in progress. An endpoint that
// is missing or not a ws/wss URL is a fatal configuration error for this
// attempt: it is logged and no retry loop is started. A dial failure is
// transient and enters the reconnect schedule.
func (t *Transport) Connect(ctx context.Context, token string) {
	t.mu.Lock()
	if t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return
	}
	target, err := url.Parse(t.endpoint)
	if err != nil || (target.Scheme != "ws" && target.Scheme != "wss") {
		t.mu.Unlock()
		t.logger.Error("notification endpoint is not a ws/wss URL, refusing to connect",
			slog.String("endpoint", t.endpoint))
		return
	}
	t.state = StateConnecting
	t.token = token
	gen := t.generation
	t.mu.Unlock()

	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()

	conn, err := t.dial(ctx, target.String())

	t.mu.Lock()
	if t.generation != gen || t.state != StateConnecting {
		// Disconnected while the dial was in flight.
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.state = StateDisconnected
		t.scheduleReconnectLocked()
		t.mu.Unlock()
		t.logger.Warn("notification connect failed", slog.Any("error", err))
		return
	}
	t.conn = conn
	t.state = StateOpen
	t.reconnectAttempts = 0
	stop := make(chan struct{})
	t.heartbeatStop = stop
	t.mu.Unlock()

	t.logger.Info("notification channel open")
	go t.heartbeatLoop(stop)
	go t.readLoop(gen, conn)
}

// Disconnect tears the channel down: both timers are cancelled, in-flight
// socket events are neutralized before the socket reference is cleared, the
// socket is closed with a normal closure code, the listener registry is
// emptied and the attempt counter reset.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.generation++
	t.stopHeartbeatLocked()
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.listeners = make(map[string]Listener)
	t.reconnectAttempts = 0
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
}

// Subscribe registers a listener and returns its ID for Unsubscribe.
func (t *Transport) Subscribe(fn Listener) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.listeners[id] = fn
	t.mu.Unlock()
	return id
}

// Unsubscribe removes a listener by ID.
func (t *Transport) Unsubscribe(id string) {
	t.mu.Lock()
	delete(t.listeners, id)
	t.mu.Unlock()
}

// IsConnected reports whether the socket is currently open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateOpen
}

// ReconnectAttempts exposes the current attempt counter.
func (t *Transport) ReconnectAttempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnectAttempts
}

func (t *Transport) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleClose(gen, err)
			return
		}
		t.handleMessage(gen, data)
	}
}

func (t *Transport) handleMessage(gen uint64, data []byte) {
	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return
	}
	listeners := make([]Listener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("malformed notification payload", slog.Any("error", err))
		return
	}
	switch msg.Type {
	case "notification":
		t.fanout(listeners, msg.Notification)
	case "notification_batch":
		for _, item := range msg.Notifications {
			t.fanout(listeners, item)
		}
	case "pong":
		// Heartbeat acknowledged.
	default:
		t.logger.Debug("ignoring unknown notification type", slog.String("type", msg.Type))
	}
}

// fanout dispatches a payload to every listener individually so one failing
// listener cannot starve the others.
func (t *Transport) fanout(listeners []Listener, payload json.RawMessage) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("notification listener panicked", slog.Any("panic", r))
				}
			}()
			fn(payload)
		}()
	}
}

func (t *Transport) handleClose(gen uint64, err error) {
	wasClean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)

	t.mu.Lock()
	if t.generation != gen {
		t.mu.Unlock()
		return
	}
	t.stopHeartbeatLocked()
	t.conn = nil
	t.state = StateDisconnected
	if !wasClean {
		t.scheduleReconnectLocked()
	}
	t.mu.Unlock()

	if wasClean {
		t.logger.Info("notification channel closed")
	} else {
		t.logger.Warn("notification channel lost", slog.Any("error", err))
	}
}

// scheduleReconnectLocked queues the next connection attempt while the
// budget lasts. Caller holds t.mu. The attempt counter is incremented
// before computing the delay, so the first retry waits 2^1 seconds.
func (t *Transport) scheduleReconnectLocked() {
	if t.reconnectAttempts >= t.maxReconnectAttempts {
		t.logger.Error("notification reconnect budget exhausted",
			slog.Int("attempts", t.reconnectAttempts))
		return
	}
	t.reconnectAttempts++
	delay := t.backoff(t.reconnectAttempts)
	t.logger.Info("scheduling notification reconnect",
		slog.Int("attempt", t.reconnectAttempts), slog.Duration("delay", delay))
	gen := t.generation
	t.reconnectTimer = t.afterFunc(delay, func() {
		t.mu.Lock()
		if t.generation != gen {
			// Disconnect ran after this timer fired but before it acquired
			// the lock; the stop raced and lost.
			t.mu.Unlock()
			return
		}
		token := t.token
		t.reconnectTimer = nil
		t.mu.Unlock()
		t.Connect(context.Background(), token)
	})
}

func (t *Transport) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sendHeartbeat()
		}
	}
}

// sendHeartbeat pushes a ping frame if the channel is open. The socket may
// close between the state check and the write; that race is tolerated and
// the send error swallowed.
func (t *Transport) sendHeartbeat() {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()
	if !open || conn == nil {
		return
	}
	if err := conn.WriteJSON(heartbeat{Type: "ping"}); err != nil {
		t.logger.Debug("heartbeat send failed", slog.Any("error", err))
	}
}

// stopHeartbeatLocked halts the heartbeat loop. Caller holds t.mu.
func (t *Transport) stopHeartbeatLocked() {
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
}
