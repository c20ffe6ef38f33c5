package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/italolelis/gamecloud_sync/internal/auth"
	"github.com/italolelis/gamecloud_sync/internal/download"
	"github.com/italolelis/gamecloud_sync/internal/logctx"
	"github.com/italolelis/gamecloud_sync/internal/telemetry"
)

// ErrClosed is returned by Connect when Disconnect ran while the dial was
// in progress.
var ErrClosed = errors.New("channel closed")

// State is the connection state of the push channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const readLimit = 1 << 20

// Status is a point-in-time view of the channel.
type Status struct {
	State     State                         `json:"state"`
	Connected bool                          `json:"connected"`
	LastError string                        `json:"last_error,omitempty"`
	Updates   map[string]download.PushEvent `json:"updates"`
}

// Channel keeps a websocket open to the push endpoint and records the
// latest progress event per download. Abnormal closes are retried after a
// fixed delay for as long as the session wants a connection.
type Channel struct {
	url            string
	tokens         auth.TokenProvider
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	httpClient     *http.Client
	tel            *telemetry.Telemetry
	logger         *slog.Logger

	// connectMu serializes Connect so reconnect attempts never overlap.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	lastError  string
	updates    map[string]download.PushEvent
	conn       *websocket.Conn
	stopRead   context.CancelFunc
	generation uint64
	wanted     bool
	timer      *time.Timer

	listenersMu sync.Mutex
	listeners   map[int]func(Status)
	nextID      int
}

// Option configures a Channel.
type Option func(*Channel)

// WithReconnectDelay sets the wait between an abnormal close and the next
// connection attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		c.reconnectDelay = d
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.dialTimeout = d
	}
}

// WithHTTPClient sets the client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		c.httpClient = hc
	}
}

// WithTelemetry records connection and message metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Channel) {
		c.tel = tel
	}
}

// WithLogger overrides the logger carried in the Connect context.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New creates a disconnected channel for the push endpoint at rawURL.
func New(rawURL string, tokens auth.TokenProvider, opts ...Option) *Channel {
	c := &Channel{
		url:            rawURL,
		tokens:         tokens,
		reconnectDelay: 3 * time.Second,
		dialTimeout:    10 * time.Second,
		state:          StateDisconnected,
		updates:        make(map[string]download.PushEvent),
		listeners:      make(map[int]func(Status)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect opens a new connection, replacing any existing one. Token
// failures are returned without scheduling a retry; dial failures are
// returned and retried after the reconnect delay.
func (c *Channel) Connect(ctx context.Context) error {
	return c.connect(ctx, 0, false)
}

// connect runs one connection attempt. A retry only proceeds while the
// session still wants a connection and no other attempt started since
// generation from.
func (c *Channel) connect(ctx context.Context, from uint64, retry bool) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.logger != nil {
		ctx = logctx.WithLogger(ctx, c.logger)
	}

	logger := logctx.LoggerFromContext(ctx).With("component", "realtime")

	c.mu.Lock()
	if retry && (!c.wanted || c.generation != from) {
		c.mu.Unlock()

		return ErrClosed
	}

	c.wanted = true
	c.stopTimerLocked()
	c.generation++
	gen := c.generation
	old, stopOld := c.conn, c.stopRead
	c.conn, c.stopRead = nil, nil
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.StatusNormalClosure, "reconnecting")
		stopOld()
	}

	c.notify()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.fail(ctx, gen, fmt.Sprintf("failed to get auth token: %v", err), false)
		c.tel.RecordChannelConnect(ctx, "token_error")

		logger.WarnContext(ctx, "push channel not connected, no token", "err", err)

		return fmt.Errorf("failed to get auth token: %w", err)
	}

	target, err := withToken(c.url, token)
	if err != nil {
		c.fail(ctx, gen, err.Error(), false)

		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: c.httpClient})
	cancel()

	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			auth.Reset(c.tokens)
		}

		c.fail(ctx, gen, fmt.Sprintf("failed to connect: %v", err), true)
		c.tel.RecordChannelConnect(ctx, "dial_error")

		logger.ErrorContext(ctx, "push channel dial failed", "err", err)

		return fmt.Errorf("failed to connect push channel: %w", err)
	}

	conn.SetReadLimit(readLimit)

	readCtx, stopRead := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if gen != c.generation || !c.wanted {
		c.mu.Unlock()

		stopRead()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		return ErrClosed
	}

	c.conn, c.stopRead = conn, stopRead
	c.state = StateConnected
	c.lastError = ""
	c.mu.Unlock()

	c.tel.RecordChannelConnect(ctx, "success")
	c.tel.RecordChannelState(ctx, true)
	c.notify()

	logger.InfoContext(ctx, "push channel connected")

	go c.readLoop(readCtx, conn, gen)

	return nil
}

// Disconnect closes the connection with a normal closure, cancels any
// pending reconnect and forgets all received updates. The last error is
// kept until the next successful connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.wanted = false
	c.stopTimerLocked()
	c.generation++
	conn, stopRead := c.conn, c.stopRead
	c.conn, c.stopRead = nil, nil
	c.updates = make(map[string]download.PushEvent)
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		stopRead()
	}

	c.tel.RecordChannelState(context.Background(), false)
	c.notify()
}

// Snapshot returns the current status with a copy of the updates.
func (c *Channel) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	updates := make(map[string]download.PushEvent, len(c.updates))
	for id, ev := range c.updates {
		updates[id] = ev
	}

	return Status{
		State:     c.state,
		Connected: c.state == StateConnected,
		LastError: c.lastError,
		Updates:   updates,
	}
}

// IsConnected reports whether the socket is open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state == StateConnected
}

// State returns the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// LastError returns the last connection error, empty when none.
func (c *Channel) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastError
}

// Update returns the latest event for a download id.
func (c *Channel) Update(id string) (download.PushEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev, ok := c.updates[id]

	return ev, ok
}

// ProgressUpdates returns a copy of all latest events keyed by id.
func (c *Channel) ProgressUpdates() map[string]download.PushEvent {
	return c.Snapshot().Updates
}

// Subscribe registers fn to be called after every state change. The
// returned func removes the subscription.
func (c *Channel) Subscribe(fn func(Status)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()

		delete(c.listeners, id)
	}
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(ctx, conn, gen, err)

			return
		}

		if typ != websocket.MessageText {
			continue
		}

		c.handleMessage(ctx, gen, data)
	}
}

func (c *Channel) handleMessage(ctx context.Context, gen uint64, data []byte) {
	logger := logctx.LoggerFromContext(ctx).With("component", "realtime")

	var msg download.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.WarnContext(ctx, "dropping malformed push message", "err", err)
		c.tel.RecordSystemError(ctx, "realtime", "decode")

		return
	}

	c.tel.RecordPushEvent(ctx, msg.Type)

	if msg.Type != download.TypeDownloadProgress {
		logger.DebugContext(ctx, "ignoring push message", "type", msg.Type)

		return
	}

	var ev download.PushEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.ID == "" {
		logger.WarnContext(ctx, "dropping invalid progress event", "err", err)
		c.tel.RecordSystemError(ctx, "realtime", "invalid_event")

		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()

		return
	}

	c.updates[ev.ID] = ev
	c.mu.Unlock()

	c.notify()
}

func (c *Channel) handleClose(ctx context.Context, conn *websocket.Conn, gen uint64, err error) {
	logger := logctx.LoggerFromContext(ctx).With("component", "realtime")
	code := websocket.CloseStatus(err)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()

		return
	}

	_ = conn.CloseNow()

	if c.stopRead != nil {
		c.stopRead()
	}

	c.conn, c.stopRead = nil, nil
	c.state = StateDisconnected

	reconnect := code != websocket.StatusNormalClosure && c.wanted
	if code != websocket.StatusNormalClosure {
		c.lastError = fmt.Sprintf("connection lost: %v", err)
	}

	if reconnect {
		c.scheduleReconnectLocked(ctx, gen)
	}
	c.mu.Unlock()

	c.tel.RecordChannelState(ctx, false)
	c.notify()

	logger.InfoContext(ctx, "push channel closed", "code", int(code), "reconnect", reconnect)
}

// fail moves attempt gen to disconnected and optionally schedules a retry.
func (c *Channel) fail(ctx context.Context, gen uint64, msg string, retry bool) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()

		return
	}

	c.state = StateDisconnected
	c.lastError = msg

	if retry && c.wanted {
		c.scheduleReconnectLocked(ctx, gen)
	}
	c.mu.Unlock()

	c.notify()
}

func (c *Channel) scheduleReconnectLocked(ctx context.Context, gen uint64) {
	c.stopTimerLocked()

	ctx = context.WithoutCancel(ctx)

	c.tel.RecordReconnectScheduled(ctx)

	c.timer = time.AfterFunc(c.reconnectDelay, func() {
		_ = c.connect(ctx, gen, true)
	})
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) notify() {
	status := c.Snapshot()

	c.listenersMu.Lock()
	fns := make([]func(Status), 0, len(c.listeners))

	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid push url: %w", err)
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
