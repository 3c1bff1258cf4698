// Package session implements the ioBroker-compatible WebSocket session
// client: one long-lived connection to one endpoint, with OAuth2 bootstrap,
// session-id rotation, heartbeat, callback multiplexing, and an event
// dispatcher (spec §4.B).
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Token is an OAuth2 bearer token as returned by an AuthFetcher.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// AuthFetcher obtains a bearer token via the §4.A password-grant contract.
// Implemented by iobroker.AuthClient; kept as a narrow interface here so this
// package never imports the parent iobroker package (§9: session never holds
// a strong reference into the pool/registry's world, only this one contract).
type AuthFetcher interface {
	FetchToken(ctx context.Context, host string, port int, useSSL bool, user, password string) (Token, error)
}

// Endpoint identifies the remote server and (optional) credentials this
// session connects to.
type Endpoint struct {
	Host     string
	Port     int
	UseSSL   *bool // nil = infer from well-known ports
	User     string
	Password string
}

func (e Endpoint) resolveSSL() bool {
	if e.UseSSL != nil {
		return *e.UseSSL
	}
	switch e.Port {
	case 443, 8443, 8084:
		return true
	default:
		return false
	}
}

// Config holds the session-level timeouts (§6 configuration knobs).
type Config struct {
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	CallbackExpiry       time.Duration
	TokenRefreshInterval time.Duration
	ClientName           string
	InsecureSkipVerify   bool
}

// DefaultConfig returns the standalone session client's defaults (15s
// handshake, 60s pong timeout per §4.B).
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     15 * time.Second,
		PingInterval:         5 * time.Second,
		PongTimeout:          60 * time.Second,
		CallbackExpiry:       30 * time.Second,
		TokenRefreshInterval: 55 * time.Minute,
		ClientName:           "node-red-iobroker-gateway",
		InsecureSkipVerify:   true,
	}
}

// EventHandler receives a dispatched application message's (args).
type EventHandler func(args []interface{})

// Client owns exactly one WebSocket to one endpoint (§4.B). It is
// strictly single-shot: on any fatal error it tears itself down and reports
// up via the disconnect handler; it never reconnects itself (design-notes
// decision: reconnection belongs to the pool/recovery manager).
type Client struct {
	endpoint Endpoint
	auth     AuthFetcher
	cfg      Config
	logger   Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	sessionID   int64
	accessToken string
	tokenAt     time.Time
	connected   bool
	destroyed   bool

	pending *pendingTable
	outbox  []func() // queued Emit work predating the ready gate

	readyCh   chan struct{}
	readyOnce sync.Once
	closeCh   chan struct{}
	closeOnce sync.Once

	lastInboundMu sync.Mutex
	lastInbound   time.Time

	handlers   map[string][]EventHandler
	handlersMu sync.RWMutex

	onReady      func()
	onDisconnect func(code int, reason string)
	onError      func(err error)

	refreshMu    sync.Mutex
	refreshInFlt chan struct{} // non-nil while a refresh is in flight

	wg sync.WaitGroup
}

// New builds a session client for one endpoint. Connect must be called
// before it is usable.
func New(endpoint Endpoint, auth AuthFetcher, cfg Config, logger Logger) *Client {
	return &Client{
		endpoint: endpoint,
		auth:     auth,
		cfg:      cfg,
		logger:   logger,
		pending:  newPendingTable(),
		handlers: make(map[string][]EventHandler),
		closeCh:  make(chan struct{}),
	}
}

// OnReady registers the callback invoked once the ready gate opens.
func (c *Client) OnReady(fn func())                                  { c.onReady = fn }
func (c *Client) OnDisconnect(fn func(code int, reason string))      { c.onDisconnect = fn }
func (c *Client) OnError(fn func(err error))                         { c.onError = fn }

// On registers a handler for a named application message (stateChange,
// objectChange, log, or any adapter-defined name).
func (c *Client) On(name string, handler EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[name] = append(c.handlers[name], handler)
}

// SessionID returns the current session id (ms timestamp, rotates on
// (re)connect and on token refresh, §3).
func (c *Client) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsConnected reports whether the ready gate has opened and the socket is
// still up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stats returns the session's pending-callback count and session id for the
// façade's ConnectionStatus snapshot.
func (c *Client) Stats() (pending int, sessionID int64) {
	return c.pending.len(), c.SessionID()
}

// Connect runs the §4.B connection algorithm (steps 1-7) and blocks until
// the ready gate opens or a fatal error occurs.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.mu.Unlock()

	useSSL := c.endpoint.resolveSSL()

	var token string
	if c.endpoint.User != "" {
		t, err := c.auth.FetchToken(ctx, c.endpoint.Host, c.endpoint.Port, useSSL, c.endpoint.User, c.endpoint.Password)
		if err != nil {
			return fmt.Errorf("session: auth failed: %w", err)
		}
		token = t.AccessToken
		c.mu.Lock()
		c.accessToken = token
		c.tokenAt = time.Now()
		c.mu.Unlock()
		c.scheduleTokenRefresh()
	}

	sid := time.Now().UnixMilli()
	c.mu.Lock()
	c.sessionID = sid
	c.mu.Unlock()

	return c.dial(ctx, sid, token, useSSL)
}

func (c *Client) dial(ctx context.Context, sid int64, token string, useSSL bool) error {
	wsURL := c.buildURL(sid, token, useSSL)

	headers := http.Header{}
	headers.Set("Origin", c.originFor(useSSL))
	headers.Set("User-Agent", "iobroker-gateway/1.0")
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
		headers.Set("Cookie", fmt.Sprintf("access_token=%s; io=%d", token, sid))
	} else {
		headers.Set("Cookie", fmt.Sprintf("io=%d", sid))
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.cfg.HandshakeTimeout,
		EnableCompression: false,
	}
	if useSSL && c.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c.logger.Info("dialing websocket", "url", wsURL, "sessionId", sid)
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("session: dial failed (status %d): %w", status, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.readyCh = make(chan struct{})
	c.readyOnce = sync.Once{}

	c.wg.Add(1)
	go c.readLoop()

	select {
	case <-c.readyCh:
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.flushOutbox()
		c.wg.Add(1)
		go c.heartbeatLoop()
		if c.onReady != nil {
			c.onReady()
		}
		return nil
	case <-time.After(c.cfg.HandshakeTimeout):
		conn.Close()
		return ErrReadySignalTimeout
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

func (c *Client) originFor(useSSL bool) string {
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.endpoint.Host, c.endpoint.Port)
}

func (c *Client) buildURL(sid int64, token string, useSSL bool) string {
	scheme := "ws"
	if useSSL {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", c.endpoint.Host, c.endpoint.Port)}
	q := url.Values{}
	q.Set("sid", strconv.FormatInt(sid, 10))
	q.Set("name", c.cfg.ClientName)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// readLoop reads frames off the socket and dispatches them until the socket
// errors or is closed; it is the single owner of lastInbound and triggers
// teardown on any read error (§7 failure semantics).
func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			c.teardown(code, reason)
			return
		}

		c.lastInboundMu.Lock()
		c.lastInbound = time.Now()
		c.lastInboundMu.Unlock()

		frame, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func closeInfo(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func (c *Client) dispatch(frame *inboundFrame) {
	switch frame.Type {
	case framePing:
		c.writeRaw(marshalPong)
		return
	case framePong:
		return
	case frameCallback:
		if cb, ok := c.pending.resolve(frame.ID); ok {
			cb(frame.CallbackArgs)
		}
		c.sweepExpiredCallbacks()
		return
	case frameMessage:
		switch frame.Name {
		case "___ready___":
			c.readyOnce.Do(func() { close(c.readyCh) })
			return
		case "reauthenticate":
			go c.refreshToken(context.Background())
			return
		default:
			c.handlersMu.RLock()
			hs := append([]EventHandler(nil), c.handlers[frame.Name]...)
			c.handlersMu.RUnlock()
			for _, h := range hs {
				safeInvoke(c.logger, frame.Name, h, frame.Args)
			}
		}
	}
}

// safeInvoke contains a consumer/handler panic so it never takes down the
// reader goroutine (§7 ConsumerCallback: caught, logged, never propagates).
func safeInvoke(logger Logger, name string, h EventHandler, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "event", name, "recover", r)
		}
	}()
	h(args)
}

func (c *Client) sweepExpiredCallbacks() {
	for _, cb := range c.pending.sweepExpired(time.Now()) {
		cb(nil)
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.lastInboundMu.Lock()
			last := c.lastInbound
			c.lastInboundMu.Unlock()
			if last.IsZero() {
				last = time.Now()
			}
			idle := time.Since(last)
			if idle > c.cfg.PongTimeout {
				c.logger.Warn("pong timeout, closing", "idle", idle)
				c.teardown(websocket.CloseAbnormalClosure, "pong timeout")
				return
			}
			if idle > c.cfg.PingInterval-10*time.Millisecond {
				if err := c.writeRaw(marshalPing); err != nil {
					c.teardown(websocket.CloseAbnormalClosure, err.Error())
					return
				}
			}
		}
	}
}

func (c *Client) writeRaw(marshal func() ([]byte, error)) error {
	data, err := marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Emit sends a fire-and-forget [MESSAGE] frame, or queues it until ready if
// the socket hasn't completed its handshake yet (§4.B outbound request,
// §5 ordering guarantee 4).
func (c *Client) Emit(name string, args ...interface{}) error {
	c.mu.Lock()
	ready := c.connected
	c.mu.Unlock()

	send := func() error {
		id := c.pending.nextRequestID()
		msg := outboundMessage{ID: id, Name: name, Args: args}
		data, err := msg.marshal()
		if err != nil {
			return err
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if ready {
		return send()
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, func() { send() })
	c.mu.Unlock()
	return nil
}

// EmitCallback sends a [CALLBACK] frame and waits for its response, subject
// to the session's callback expiry (§3 pending callback horizon).
func (c *Client) EmitCallback(ctx context.Context, name string, args []interface{}) ([]interface{}, error) {
	id := c.pending.nextRequestID()
	resultCh := make(chan []interface{}, 1)
	c.pending.add(id, func(args []interface{}) { resultCh <- args }, c.cfg.CallbackExpiry)

	msg := outboundCallback{ID: id, Name: name, Args: args}
	data, err := msg.marshal()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	ready, conn := c.connected, c.conn
	c.mu.Unlock()

	if !ready || conn == nil {
		c.mu.Lock()
		c.outbox = append(c.outbox, func() {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				conn.WriteMessage(websocket.TextMessage, data)
			}
		})
		c.mu.Unlock()
	} else if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(c.cfg.CallbackExpiry)
	defer deadline.Stop()
	select {
	case result := <-resultCh:
		if result == nil {
			return nil, ErrCallbackTimeout
		}
		return result, nil
	case <-deadline.C:
		return nil, ErrCallbackTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) flushOutbox() {
	c.mu.Lock()
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// refreshToken implements the §4.B token-rotation sub-algorithm, serialized
// so concurrent triggers share one in-flight refresh.
func (c *Client) refreshToken(ctx context.Context) {
	c.refreshMu.Lock()
	if c.refreshInFlt != nil {
		done := c.refreshInFlt
		c.refreshMu.Unlock()
		<-done
		return
	}
	done := make(chan struct{})
	c.refreshInFlt = done
	c.refreshMu.Unlock()

	defer func() {
		c.refreshMu.Lock()
		c.refreshInFlt = nil
		c.refreshMu.Unlock()
		close(done)
	}()

	useSSL := c.endpoint.resolveSSL()
	newToken, err := c.auth.FetchToken(ctx, c.endpoint.Host, c.endpoint.Port, useSSL, c.endpoint.User, c.endpoint.Password)
	if err != nil {
		c.logger.Error("token refresh failed", "error", err)
		if c.onError != nil {
			c.onError(err)
		}
		return
	}

	c.mu.Lock()
	oldConn := c.conn
	oldSID := c.sessionID
	c.accessToken = newToken.AccessToken
	c.tokenAt = time.Now()
	newSID := time.Now().UnixMilli()
	c.sessionID = newSID
	c.connected = false
	c.mu.Unlock()

	c.pending.reset()

	if oldConn != nil {
		oldConn.Close()
	}

	if err := c.dial(ctx, newSID, newToken.AccessToken, useSSL); err != nil {
		c.logger.Error("reconnect after token refresh failed", "error", err)
		c.teardown(websocket.CloseAbnormalClosure, "refresh reconnect failed")
		return
	}
	c.logger.Info("token rotated", "oldSessionId", oldSID, "newSessionId", newSID)
}

func (c *Client) scheduleTokenRefresh() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.cfg.TokenRefreshInterval)
		defer timer.Stop()
		select {
		case <-c.closeCh:
			return
		case <-timer.C:
			c.refreshToken(context.Background())
		}
	}()
}

// teardown closes the socket, clears pending callbacks, and reports a
// disconnect. Safe to call multiple times.
func (c *Client) teardown(code int, reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	for _, cb := range c.pending.clear() {
		cb(nil)
	}

	if c.onDisconnect != nil {
		c.onDisconnect(code, reason)
	}
}

// Close gracefully shuts down the session: cancels timers, closes the
// socket with code 1000, flushes disconnect callbacks, clears pending
// entries (§5 lifecycle).
func (c *Client) Close() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}

	for _, cb := range c.pending.clear() {
		cb(nil)
	}

	return nil
}

// Wait blocks until all of the session's background goroutines have exited,
// useful in tests and orderly process shutdown.
func (c *Client) Wait() { c.wg.Wait() }
