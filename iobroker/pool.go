package iobroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nodered/iobroker-gateway/iobroker/session"
)

// endpointEntry is the pool's per-endpoint bookkeeping record: its current
// config, fingerprint, state, session (if any), and any in-flight connect.
// Guarded exclusively by Pool.mu (§5: only pool tasks mutate pool maps).
type endpointEntry struct {
	config      EndpointConfig
	fingerprint string
	state       ConnectionState
	sess        *session.Client
	connecting  chan struct{} // non-nil while a connect is in flight; closed on completion
	connectErr  error
}

// Pool owns at most one session per endpoint (§4.C), keyed by host:port,
// with config-fingerprint invalidation and single-flight connect. Grounded
// on the RWMutex-guarded map + double-checked-locking pattern used for
// transport/client pooling in the reference connection-pool implementation,
// adapted here to a richer per-endpoint state machine.
type Pool struct {
	cfg    Config
	logger session.Logger
	auth   *AuthClient
	metrics *Metrics

	mu      sync.RWMutex
	entries map[EndpointKey]*endpointEntry

	onClientReady   func(key EndpointKey)
	onStateChange   func(id string, state StateValue)
	onObjectChange  func(id string, obj interface{}, op ObjectChangeOp)
	onDisconnect    func(key EndpointKey, code int, reason string)
	onError         func(key EndpointKey, err error)
	statusChange    func(key EndpointKey, state ConnectionState)
}

// NewPool constructs a pool. auth may be nil if no endpoint ever specifies a
// user (anonymous ioBroker instances are common in trusted LANs).
func NewPool(cfg Config, auth *AuthClient, logger session.Logger, metrics *Metrics) *Pool {
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		auth:    auth,
		metrics: metrics,
		entries: make(map[EndpointKey]*endpointEntry),
	}
}

// OnClientReady registers fn to run after GetConnection completes a fresh
// connect (not a cache hit on an already-ready session). Assemble wires this
// to the registry's reconnect-resubscription routine.
func (p *Pool) OnClientReady(fn func(key EndpointKey))                                   { p.onClientReady = fn }
func (p *Pool) OnStateChange(fn func(id string, state StateValue))                       { p.onStateChange = fn }
func (p *Pool) OnObjectChange(fn func(id string, obj interface{}, op ObjectChangeOp))     { p.onObjectChange = fn }
func (p *Pool) OnDisconnect(fn func(key EndpointKey, code int, reason string))            { p.onDisconnect = fn }
func (p *Pool) OnError(fn func(key EndpointKey, err error))                               { p.onError = fn }
func (p *Pool) SetStatusChangeCallback(fn func(key EndpointKey, state ConnectionState))   { p.statusChange = fn }

func (p *Pool) setState(key EndpointKey, e *endpointEntry, s ConnectionState) {
	e.state = s
	if p.metrics != nil {
		p.metrics.SetConnectionState(string(key), s)
	}
	cb := p.statusChange
	if cb != nil {
		go cb(key, s)
	}
}

// GetConnection implements the §4.C algorithm: fingerprint invalidation,
// single-flight connect, and the non-ready stub for non-connect-eligible
// states.
func (p *Pool) GetConnection(ctx context.Context, config EndpointConfig) (*SessionHandle, error) {
	key := config.Key()
	fp := config.Fingerprint()

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok && e.fingerprint != "" && e.fingerprint != fp {
		p.mu.Unlock()
		p.forceCleanup(key)
		p.mu.Lock()
		e, ok = p.entries[key]
	}
	if !ok {
		e = &endpointEntry{config: config, fingerprint: fp, state: StateIdle}
		p.entries[key] = e
	} else {
		e.config = config
		e.fingerprint = fp
	}

	if e.state == StateConnected && e.sess != nil && e.sess.IsConnected() {
		sess := e.sess
		p.mu.Unlock()
		return &SessionHandle{Ready: true, Connected: true, client: sess}, nil
	}

	if e.connecting != nil {
		wait := e.connecting
		p.mu.Unlock()
		<-wait
		p.mu.RLock()
		err := e.connectErr
		sess := e.sess
		ready := e.state == StateConnected
		p.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		return &SessionHandle{Ready: ready, Connected: sess != nil && sess.IsConnected(), client: sess}, nil
	}

	switch e.state {
	case StateAuthFailed, StateDestroying:
		p.mu.Unlock()
		return nil, ErrStateForbidsConnect
	case StateIdle, StateNetworkError, StateRetryScheduled:
		done := make(chan struct{})
		e.connecting = done
		p.setState(key, e, StateConnecting)
		p.mu.Unlock()

		sess, err := p.connect(ctx, key, config)

		p.mu.Lock()
		e.connectErr = err
		if err != nil {
			class := Classify(err)
			if class == ClassAuthPermanent {
				p.setState(key, e, StateAuthFailed)
			} else {
				p.setState(key, e, StateNetworkError)
			}
		} else {
			e.sess = sess
			p.setState(key, e, StateConnected)
		}
		close(done)
		e.connecting = nil
		ready := e.state == StateConnected
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
		p.wireSession(key, sess)
		if p.onClientReady != nil {
			p.onClientReady(key)
		}
		return &SessionHandle{Ready: ready, Connected: ready, client: sess}, nil
	default:
		p.mu.Unlock()
		return &SessionHandle{Ready: false, Connected: false}, nil
	}
}

func (p *Pool) connect(ctx context.Context, key EndpointKey, config EndpointConfig) (*session.Client, error) {
	endpoint := session.Endpoint{
		Host:     config.Host,
		Port:     config.Port,
		UseSSL:   &config.UseSSL,
		User:     config.User,
		Password: config.Password,
	}
	scfg := session.Config{
		HandshakeTimeout:     p.cfg.ConnectTimeout,
		PingInterval:         p.cfg.PingInterval,
		PongTimeout:          p.cfg.PongTimeout,
		CallbackExpiry:       p.cfg.CallbackExpiry,
		TokenRefreshInterval: p.cfg.TokenRefreshInterval,
		ClientName:           p.cfg.ClientName,
		InsecureSkipVerify:   p.cfg.InsecureSkipVerify,
	}

	var auth session.AuthFetcher
	if config.User != "" {
		if p.auth == nil {
			return nil, fmt.Errorf("iobroker: endpoint %s requires auth but no auth client configured", key)
		}
		auth = p.auth
	} else {
		auth = noAuthFetcher{}
	}

	logger := p.logger.With("endpoint", string(key))
	sess := session.New(endpoint, auth, scfg, logger)

	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout+2*time.Second)
	defer cancel()
	if err := sess.Connect(connectCtx); err != nil {
		return nil, err
	}
	return sess, nil
}

// wireSession attaches the session's dispatch handlers to the pool's five
// event callbacks (§4.C step 7); "ready" sets state to CONNECTED again so a
// reconnected session survives in place.
func (p *Pool) wireSession(key EndpointKey, sess *session.Client) {
	sess.On("stateChange", func(args []interface{}) {
		if len(args) < 2 || p.onStateChange == nil {
			return
		}
		id, _ := args[0].(string)
		var sv StateValue
		decodeInto(args[1], &sv)
		p.onStateChange(id, sv)
	})
	sess.On("objectChange", func(args []interface{}) {
		if len(args) < 2 || p.onObjectChange == nil {
			return
		}
		id, _ := args[0].(string)
		op := ObjectOpUpdate
		if len(args) > 2 {
			if s, ok := args[2].(string); ok && s == "delete" {
				op = ObjectOpDelete
			}
		}
		p.onObjectChange(id, args[1], op)
	})
	sess.OnReady(func() {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			p.setState(key, e, StateConnected)
		}
		p.mu.Unlock()
	})
	sess.OnDisconnect(func(code int, reason string) {
		// A session already detached by CloseConnection/forceCleanup is no
		// longer the endpoint's current one; its late disconnect is ignored.
		p.mu.Lock()
		e, ok := p.entries[key]
		current := ok && e.sess == sess
		if current {
			e.sess = nil
			p.setState(key, e, StateNetworkError)
		}
		p.mu.Unlock()
		if current && p.onDisconnect != nil {
			p.onDisconnect(key, code, reason)
		}
	})
	sess.OnError(func(err error) {
		if p.onError != nil {
			p.onError(key, err)
		}
	})
}

// CloseConnection tears down the session for key, if any, without changing
// its stored config (used for explicit host-driven disconnects).
func (p *Pool) CloseConnection(key EndpointKey) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	sess := e.sess
	e.sess = nil
	p.setState(key, e, StateIdle)
	p.mu.Unlock()

	if sess != nil {
		return sess.Close()
	}
	return nil
}

// forceCleanup destroys the current session for key and resets it to IDLE
// (§4.C step 2, config-hash invalidation).
func (p *Pool) forceCleanup(key EndpointKey) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	sess := e.sess
	p.setState(key, e, StateDestroying)
	e.sess = nil
	p.mu.Unlock()

	if sess != nil {
		sess.Close()
	}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.setState(key, e, StateIdle)
	}
	p.mu.Unlock()
}

// ForceServerSwitch tears down oldKey and primes newKey with newConfig,
// without touching any session already established for newKey (§8
// round-trip property).
func (p *Pool) ForceServerSwitch(ctx context.Context, oldKey EndpointKey, newConfig EndpointConfig) error {
	p.forceCleanup(oldKey)
	_, err := p.GetConnection(ctx, newConfig)
	return err
}

// Get returns the current session handle for an already-bootstrapped
// endpoint without touching its stored config or fingerprint, used by the
// registry once an endpoint has been established via GetConnection. Returns
// ErrStateForbidsConnect if no entry exists yet for key.
func (p *Pool) Get(key EndpointKey) (*SessionHandle, error) {
	p.mu.RLock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.RUnlock()
		return nil, ErrStateForbidsConnect
	}
	ready := e.state == StateConnected && e.sess != nil && e.sess.IsConnected()
	sess := e.sess
	p.mu.RUnlock()

	if ready {
		return &SessionHandle{Ready: true, Connected: true, client: sess}, nil
	}
	return &SessionHandle{Ready: false, Connected: false}, nil
}

// AttemptReconnection is the recovery manager's hook into the pool: it
// forces a fresh GetConnection attempt for key using its stored config.
func (p *Pool) AttemptReconnection(ctx context.Context, key EndpointKey) (*SessionHandle, error) {
	p.mu.RLock()
	e, ok := p.entries[key]
	var config EndpointConfig
	if ok {
		config = e.config
	}
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("iobroker: no stored config for endpoint %s", key)
	}
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.setState(key, e, StateRetryScheduled)
	}
	p.mu.Unlock()
	return p.GetConnection(ctx, config)
}

// GetConnectionStatus returns the §6 synchronous status snapshot for key.
func (p *Pool) GetConnectionStatus(key EndpointKey) ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[key]
	if !ok {
		return ConnectionStatus{Status: StateIdle.String()}
	}

	status := ConnectionStatus{
		Status:   e.state.String(),
		ServerID: string(key),
		SSL:      SSLStatus{Enabled: e.config.UseSSL},
		Auth:     AuthStatus{Method: "none"},
	}
	if e.config.User != "" {
		status.Auth.Method = "password"
	}
	if e.sess != nil {
		pending, sid := e.sess.Stats()
		status.Connected = e.sess.IsConnected()
		status.Ready = status.Connected
		status.Auth.Authenticated = e.config.User != "" && status.Connected
		status.ClientStats = ClientStats{PendingCallbacks: pending, SessionID: sid}
	}
	return status
}

// State returns the current ConnectionState for key (IDLE if unknown),
// used by the recovery manager to decide whether a scheduled retry is
// still relevant.
func (p *Pool) State(key EndpointKey) ConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[key]; ok {
		return e.state
	}
	return StateIdle
}

// SessionHandle is the pool's result type for GetConnection: a sum-type
// stand-in for "ready session" vs. "pending, try again later" (§9 design
// notes: replaces a null-return reconnect stub).
type SessionHandle struct {
	Ready     bool
	Connected bool
	client    *session.Client
}

// Emit forwards to the underlying session, if any.
func (h *SessionHandle) Emit(name string, args ...interface{}) error {
	if h == nil || h.client == nil {
		return ErrStateForbidsConnect
	}
	return h.client.Emit(name, args...)
}

// EmitCallback forwards to the underlying session, if any.
func (h *SessionHandle) EmitCallback(ctx context.Context, name string, args []interface{}) ([]interface{}, error) {
	if h == nil || h.client == nil {
		return nil, ErrStateForbidsConnect
	}
	return h.client.EmitCallback(ctx, name, args)
}

// noAuthFetcher is used for endpoints configured without credentials; its
// FetchToken is never called because session.Client only calls it when
// Endpoint.User is non-empty.
type noAuthFetcher struct{}

func (noAuthFetcher) FetchToken(ctx context.Context, host string, port int, useSSL bool, user, password string) (session.Token, error) {
	return session.Token{}, fmt.Errorf("iobroker: auth requested for anonymous endpoint")
}
