package iobroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodered/iobroker-gateway/iobroker/session"
)

// Gateway is the stable surface local consumers call (§4.F). It resolves an
// endpoint config to a session via the pool, forwards reads/writes through
// the session's callback-based emit, and delegates subscription bookkeeping
// to the registry.
type Gateway struct {
	pool     ConnectionProvider
	registry *Registry

	mu       sync.Mutex
	inflight map[string]*getStateCall // coalesces concurrent getState(key,id) calls
}

// getStateCall lets every concurrent caller for the same (endpoint, id)
// observe the one in-flight request's result: done is closed exactly once,
// after which result is safe to read by every waiter (§8 property 7).
type getStateCall struct {
	done   chan struct{}
	result getStateResult
}

type getStateResult struct {
	state StateValue
	err   error
}

// NewGateway builds a Gateway bound to pool and registry. Most callers want
// Assemble instead, which also wires the automatic recovery pipeline between
// pool, recovery, and registry; NewGateway alone is for callers that have
// already done that wiring themselves (or deliberately want none of it, e.g.
// a test harness driving the pool directly).
func NewGateway(pool ConnectionProvider, registry *Registry) *Gateway {
	return &Gateway{
		pool:     pool,
		registry: registry,
		inflight: make(map[string]*getStateCall),
	}
}

// Assemble wires the cross-component automatic-recovery pipeline that every
// real caller needs and returns the resulting Gateway (§4.C/§4.D/§4.E
// interplay, §8 scenarios S1-S6): a disconnected session schedules an
// immediate retry, a successful or failed retry resubscribes or escalates
// through the registry, every state transition broadcasts to subscribed
// consumers, and a session that becomes ready outside the retry path (the
// first GetConnection call for an endpoint) still flushes any subscriptions
// that were deferred while it was down. Call this once per pool/recovery/
// registry triple instead of wiring pool's callbacks by hand.
func Assemble(pool *Pool, recovery *Recovery, registry *Registry, logger session.Logger) *Gateway {
	pool.OnDisconnect(func(key EndpointKey, code int, reason string) {
		logger.Warn("session disconnected", "endpoint", string(key), "code", code, "reason", reason)
		recovery.ScheduleImmediateRetry(key)
	})
	pool.OnError(func(key EndpointKey, err error) {
		logger.Error("session error", "endpoint", string(key), "error", err.Error())
	})
	pool.SetStatusChangeCallback(func(key EndpointKey, state ConnectionState) {
		registry.UpdateNodeStatus(key, state)
	})
	pool.OnClientReady(registry.HandleClientReady)
	return NewGateway(pool, registry)
}

func (g *Gateway) session(ctx context.Context, config EndpointConfig) (*SessionHandle, error) {
	return g.pool.GetConnection(ctx, config)
}

// GetState reads a single state id, 8s timeout, coalescing identical
// concurrent requests for the same (endpoint, id) into one in-flight call
// (§4.F, §8 property 7).
func (g *Gateway) GetState(ctx context.Context, config EndpointConfig, id string) (StateValue, error) {
	coalesceKey := string(config.Key()) + "|" + id

	g.mu.Lock()
	if call, ok := g.inflight[coalesceKey]; ok {
		g.mu.Unlock()
		select {
		case <-call.done:
			return call.result.state, call.result.err
		case <-ctx.Done():
			return StateValue{}, ctx.Err()
		}
	}
	call := &getStateCall{done: make(chan struct{})}
	g.inflight[coalesceKey] = call
	g.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	var result getStateResult
	if err != nil {
		result = getStateResult{err: err}
	} else {
		args, callErr := handle.EmitCallback(callCtx, "getState", []interface{}{id})
		if callErr != nil {
			result = getStateResult{err: callErr}
		} else if len(args) > 0 && args[0] != nil {
			result = getStateResult{err: fmt.Errorf("iobroker: getState(%s): %v", id, args[0])}
		} else {
			var sv StateValue
			if len(args) > 1 {
				decodeInto(args[1], &sv)
			}
			result = getStateResult{state: sv}
		}
	}

	g.mu.Lock()
	delete(g.inflight, coalesceKey)
	g.mu.Unlock()
	call.result = result
	close(call.done)

	return result.state, result.err
}

// GetStates reads a batch of ids, or a pattern, with the same 8s timeout.
func (g *Gateway) GetStates(ctx context.Context, config EndpointConfig, idsOrPattern interface{}) (map[string]StateValue, error) {
	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	if err != nil {
		return nil, err
	}
	args, err := handle.EmitCallback(callCtx, "getStates", []interface{}{idsOrPattern})
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0] != nil {
		return nil, fmt.Errorf("iobroker: getStates: %v", args[0])
	}
	result := make(map[string]StateValue)
	if len(args) > 1 {
		decodeInto(args[1], &result)
	}
	return result, nil
}

// SetState writes a value, wrapping it as {val, ack, from, ts} if it isn't
// already a state object (§4.F setState).
func (g *Gateway) SetState(ctx context.Context, config EndpointConfig, id string, value interface{}, ack bool) error {
	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	if err != nil {
		return err
	}

	payload := toStateObject(value, ack)
	args, err := handle.EmitCallback(callCtx, "setState", []interface{}{id, payload})
	if err != nil {
		return err
	}
	if len(args) > 0 && args[0] != nil {
		return fmt.Errorf("iobroker: setState(%s): %v", id, args[0])
	}
	return nil
}

func toStateObject(value interface{}, ack bool) interface{} {
	if m, ok := value.(map[string]interface{}); ok {
		if _, hasVal := m["val"]; hasVal {
			return m
		}
	}
	if sv, ok := value.(StateValue); ok {
		return sv
	}
	return StateValue{Val: value, Ack: ack, From: "system.adapter.node-red", TS: time.Now().UnixMilli()}
}

// GetObject reads a single object by id.
func (g *Gateway) GetObject(ctx context.Context, config EndpointConfig, id string) (map[string]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	if err != nil {
		return nil, err
	}
	args, err := handle.EmitCallback(callCtx, "getObject", []interface{}{id})
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0] != nil {
		return nil, fmt.Errorf("iobroker: getObject(%s): %v", id, args[0])
	}
	var obj map[string]interface{}
	if len(args) > 1 {
		decodeInto(args[1], &obj)
	}
	return obj, nil
}

// GetObjects reads objects matching pattern, optionally filtered by type.
func (g *Gateway) GetObjects(ctx context.Context, config EndpointConfig, pattern string, objType string) (map[string]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	if err != nil {
		return nil, err
	}
	reqArgs := []interface{}{pattern}
	if objType != "" {
		reqArgs = append(reqArgs, objType)
	}
	args, err := handle.EmitCallback(callCtx, "getObjects", reqArgs)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0] != nil {
		return nil, fmt.Errorf("iobroker: getObjects(%s): %v", pattern, args[0])
	}
	var objs map[string]interface{}
	if len(args) > 1 {
		decodeInto(args[1], &objs)
	}
	return objs, nil
}

// GetObjectView performs a server-side design/view query (§4.F getObjectView).
func (g *Gateway) GetObjectView(ctx context.Context, config EndpointConfig, design, view string, params interface{}) ([]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	if err != nil {
		return nil, err
	}
	args, err := handle.EmitCallback(callCtx, "getObjectView", []interface{}{design, view, params})
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0] != nil {
		return nil, fmt.Errorf("iobroker: getObjectView(%s/%s): %v", design, view, args[0])
	}
	var rows []interface{}
	if len(args) > 1 {
		decodeInto(args[1], &rows)
	}
	return rows, nil
}

// SendTo issues an adapter RPC. If timeout is 0, the call is fire-and-forget
// and returns immediately with no pending-callback entry created (§4.F
// sendTo, §8 scenario S6).
func (g *Gateway) SendTo(ctx context.Context, config EndpointConfig, adapterInstance string, command string, message interface{}, timeout time.Duration) ([]interface{}, error) {
	handle, err := g.session(ctx, config)
	if err != nil {
		return nil, err
	}

	reqArgs := []interface{}{adapterInstance}
	if command != "" {
		reqArgs = append(reqArgs, command)
	}
	reqArgs = append(reqArgs, message)

	if timeout <= 0 {
		return nil, handle.Emit("sendTo", reqArgs...)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return handle.EmitCallback(callCtx, "sendTo", reqArgs)
}

// GetHistory runs a structured history query against historyAdapter
// (§4.F getHistory).
func (g *Gateway) GetHistory(ctx context.Context, config EndpointConfig, historyAdapter, id string, options map[string]interface{}) ([]StateValue, error) {
	callCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	handle, err := g.session(callCtx, config)
	if err != nil {
		return nil, err
	}
	args, err := handle.EmitCallback(callCtx, "getHistory", []interface{}{id, options, historyAdapter})
	if err != nil {
		return nil, err
	}
	if len(args) > 0 && args[0] != nil {
		return nil, fmt.Errorf("iobroker: getHistory(%s): %v", id, args[0])
	}
	var values []StateValue
	if len(args) > 1 {
		decodeInto(args[1], &values)
	}
	return values, nil
}

// Subscribe registers nodeID for state-change events on pattern, 5s
// timeout, delegating to the registry.
func (g *Gateway) Subscribe(ctx context.Context, nodeID string, config EndpointConfig, pattern string, sink ValueSink, status StatusObserver, resub Resubscriber, wantsInitialValue bool) error {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return g.registry.Subscribe(callCtx, nodeID, config, pattern, sink, status, resub, wantsInitialValue)
}

// Unsubscribe removes nodeID's registration.
func (g *Gateway) Unsubscribe(nodeID string) { g.registry.Unsubscribe(nodeID) }

// SubscribeToLiveLogs mirrors state subscription with a log event name and
// a client-side level filter.
func (g *Gateway) SubscribeToLiveLogs(nodeID string, config EndpointConfig, sink func(LogEntry), minLevel string) {
	g.registry.SubscribeToLiveLogs(nodeID, config.Key(), sink, minLevel)
}

// UnsubscribeFromLiveLogs removes a live-log consumer.
func (g *Gateway) UnsubscribeFromLiveLogs(nodeID string) { g.registry.UnsubscribeFromLiveLogs(nodeID) }

// RegisterForEvents registers a connection-status-only consumer.
func (g *Gateway) RegisterForEvents(nodeID string, config EndpointConfig, status StatusObserver) {
	g.registry.RegisterForEvents(nodeID, config.Key(), status)
}

// UnregisterFromEvents removes a connection-status-only consumer.
func (g *Gateway) UnregisterFromEvents(nodeID string) { g.registry.UnregisterFromEvents(nodeID) }

// GetConnectionStatus returns the synchronous §6 status snapshot.
func (g *Gateway) GetConnectionStatus(config EndpointConfig) ConnectionStatus {
	return g.pool.GetConnectionStatus(config.Key())
}

// ForceServerSwitch reconfigures a consumer from oldConfig's endpoint to
// newConfig's (§4.F forceServerSwitch).
func (g *Gateway) ForceServerSwitch(ctx context.Context, oldConfig, newConfig EndpointConfig) error {
	return g.pool.ForceServerSwitch(ctx, oldConfig.Key(), newConfig)
}

// NewNodeID generates a fresh consumer identifier for callers that don't
// already have a stable node id from their hosting runtime.
func NewNodeID() string { return uuid.NewString() }
