package iobroker

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// subscriptionEntry tracks which nodes want a given pattern and the
// compiled matcher used to test inbound state ids against it (§4.E).
type subscriptionEntry struct {
	pattern string
	regex   *regexp.Regexp // nil for a literal (no-wildcard) pattern
	nodes   map[string]struct{}
}

func (e *subscriptionEntry) matches(id string) bool {
	if e.regex == nil {
		return id == e.pattern
	}
	return e.regex.MatchString(id)
}

// compilePattern implements §4.E pattern matching: a pattern with no `*`
// matches only an equal id; a pattern with `*` is compiled to a regex that
// escapes all metacharacters except `*` (which becomes `.*`) and anchors
// with `^...$`.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") {
		return nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// registration is the registry's bookkeeping record for one local consumer
// (§3 data model).
type registration struct {
	nodeID            string
	endpointKey       EndpointKey
	kind              ConsumerKind
	wantsInitialValue bool
	createdAt         time.Time

	status     StatusObserver
	resub      Resubscriber
	sink       ValueSink
	pattern    string
	minLevel   string
}

// Registry is the pattern→subscribers fan-out index (§4.E). It deduplicates
// upstream subscriptions, demultiplexes inbound events to matching
// consumers, tracks per-endpoint node counts for the recovery manager, and
// replays pending upstream requests once a session becomes ready.
type Registry struct {
	pool     ConnectionProvider
	recovery *Recovery
	logger   recoveryLogger

	mu            sync.RWMutex
	subscriptions map[EndpointKey]map[string]*subscriptionEntry // pattern -> entry, per endpoint
	registrations map[string]*registration                      // nodeId -> registration
	eventNodes    map[string]*registration                       // connection-status-only consumers
	logNodes      map[string]*registration
	nodeCounts    map[EndpointKey]int
	recoveryFns   map[EndpointKey][]func(ctx context.Context)
	logSinks      logSinkMap

	resubLimiter *rate.Limiter
}

// logSinkMap is a small mutex-guarded nodeId -> log-sink map, kept separate
// from registration so a live-log callback (a plain function, not a
// StatusObserver/ValueSink-shaped consumer) never has to satisfy those
// interfaces just to be stored.
type logSinkMap struct {
	mu    sync.RWMutex
	sinks map[string]func(LogEntry)
}

func (m *logSinkMap) store(nodeID string, fn func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sinks == nil {
		m.sinks = make(map[string]func(LogEntry))
	}
	m.sinks[nodeID] = fn
}

func (m *logSinkMap) load(nodeID string) (func(LogEntry), bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.sinks[nodeID]
	return fn, ok
}

func (m *logSinkMap) delete(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, nodeID)
}

// NewRegistry builds a Registry bound to pool and recovery. recovery's
// onReconnectSuccess hook is wired here to the registry's resubscription
// routine.
func NewRegistry(pool ConnectionProvider, recovery *Recovery, logger recoveryLogger) *Registry {
	r := &Registry{
		pool:          pool,
		recovery:      recovery,
		logger:        logger,
		subscriptions: make(map[EndpointKey]map[string]*subscriptionEntry),
		registrations: make(map[string]*registration),
		eventNodes:    make(map[string]*registration),
		logNodes:      make(map[string]*registration),
		nodeCounts:    make(map[EndpointKey]int),
		recoveryFns:   make(map[EndpointKey][]func(ctx context.Context)),
		resubLimiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
	if recovery != nil {
		recovery.OnReconnectSuccess(r.HandleClientReady)
		recovery.OnAuthFailed(r.onAuthFailed)
	}
	return r
}

func (r *Registry) incNodeCount(key EndpointKey, delta int) {
	r.mu.Lock()
	r.nodeCounts[key] += delta
	count := r.nodeCounts[key]
	r.mu.Unlock()
	if r.recovery != nil {
		r.recovery.NodeCountChanged(key, count)
	}
}

// Subscribe implements the §4.E subscribe operation. config resolves the
// endpoint this pattern is subscribed against and is the same config the
// caller would pass to the façade's connection-status calls.
func (r *Registry) Subscribe(ctx context.Context, nodeID string, config EndpointConfig, pattern string, sink ValueSink, status StatusObserver, resub Resubscriber, wantsInitialValue bool) error {
	key := config.Key()
	reg := &registration{
		nodeID:            nodeID,
		endpointKey:       key,
		kind:              KindSubscribe,
		wantsInitialValue: wantsInitialValue,
		createdAt:         time.Now(),
		status:            status,
		resub:             resub,
		sink:              sink,
		pattern:           pattern,
	}

	r.mu.Lock()
	r.registrations[nodeID] = reg
	r.mu.Unlock()
	r.incNodeCount(key, 1)

	handle, err := r.pool.GetConnection(ctx, config)
	if err != nil {
		return err
	}
	if !handle.Ready {
		r.addRecoveryFn(key, func(ctx context.Context) {
			r.doSubscribe(ctx, reg)
		})
		return nil
	}

	return r.doSubscribe(ctx, reg)
}

// doSubscribe performs steps 3-5 of §4.E against an already-ready session.
func (r *Registry) doSubscribe(ctx context.Context, reg *registration) (err error) {
	key := reg.endpointKey
	pattern := reg.pattern

	r.mu.Lock()
	perEndpoint, ok := r.subscriptions[key]
	if !ok {
		perEndpoint = make(map[string]*subscriptionEntry)
		r.subscriptions[key] = perEndpoint
	}
	entry, exists := perEndpoint[pattern]
	isNew := !exists
	if isNew {
		entry = &subscriptionEntry{pattern: pattern, regex: compilePattern(pattern), nodes: make(map[string]struct{})}
		perEndpoint[pattern] = entry
	}
	entry.nodes[reg.nodeID] = struct{}{}
	r.mu.Unlock()

	if isNew {
		handle, connErr := r.pool.Get(key)
		if connErr != nil {
			return connErr
		}
		if handle.Ready {
			if emitErr := handle.Emit("subscribe", pattern); emitErr != nil {
				return emitErr
			}
		}
	}

	if reg.resub != nil {
		reg.resub.OnSubscribed()
	}

	if reg.wantsInitialValue && !strings.Contains(pattern, "*") {
		go r.fetchInitialValue(key, reg)
	}
	return nil
}

func (r *Registry) fetchInitialValue(key EndpointKey, reg *registration) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	handle, err := r.pool.Get(key)
	if err != nil || !handle.Ready {
		return
	}
	result, err := handle.EmitCallback(ctx, "getState", []interface{}{reg.pattern})
	if err != nil || len(result) < 2 {
		return
	}
	var sv StateValue
	decodeInto(result[1], &sv)

	if reg.resub != nil {
		reg.resub.OnInitialValue(reg.pattern, sv)
	} else if reg.sink != nil {
		reg.sink.OnStateChange(reg.pattern, sv)
	}
}

// Unsubscribe removes nodeID from its pattern's subscriber set, decrements
// the endpoint's node count, and leaves the upstream subscription active
// per the §9 open-question decision: an upstream "unsubscribe" is sent only
// when the pattern's local set empties entirely, not when any single
// consumer departs.
func (r *Registry) Unsubscribe(nodeID string) {
	r.mu.Lock()
	reg, ok := r.registrations[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.registrations, nodeID)
	key := reg.endpointKey

	emptied := false
	if perEndpoint, ok := r.subscriptions[key]; ok {
		if entry, ok := perEndpoint[reg.pattern]; ok {
			delete(entry.nodes, nodeID)
			if len(entry.nodes) == 0 {
				delete(perEndpoint, reg.pattern)
				emptied = true
			}
		}
	}
	r.mu.Unlock()
	if emptied {
		if handle, err := r.pool.Get(key); err == nil && handle.Ready {
			_ = handle.Emit("unsubscribe", reg.pattern)
		}
	}
	r.incNodeCount(key, -1)
}

// RegisterForEvents implements connection-status-only registration
// (§4.F registerForEvents).
func (r *Registry) RegisterForEvents(nodeID string, key EndpointKey, status StatusObserver) {
	reg := &registration{nodeID: nodeID, endpointKey: key, kind: KindEvents, createdAt: time.Now(), status: status}
	r.mu.Lock()
	r.eventNodes[nodeID] = reg
	r.mu.Unlock()
	r.incNodeCount(key, 1)
}

// UnregisterFromEvents removes a connection-status-only consumer.
func (r *Registry) UnregisterFromEvents(nodeID string) {
	r.mu.Lock()
	reg, ok := r.eventNodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.eventNodes, nodeID)
	r.mu.Unlock()
	r.incNodeCount(reg.endpointKey, -1)
}

// SubscribeToLiveLogs mirrors state subscription with a "log" event name
// and a client-side level filter (§9 open-question decision).
func (r *Registry) SubscribeToLiveLogs(nodeID string, key EndpointKey, sink func(LogEntry), minLevel string) {
	reg := &registration{nodeID: nodeID, endpointKey: key, kind: KindLog, createdAt: time.Now(), minLevel: minLevel}
	r.mu.Lock()
	r.logNodes[nodeID] = reg
	r.mu.Unlock()
	r.incNodeCount(key, 1)
	r.logSinks.store(nodeID, sink)
}

// UnsubscribeFromLiveLogs removes a live-log consumer.
func (r *Registry) UnsubscribeFromLiveLogs(nodeID string) {
	r.mu.Lock()
	reg, ok := r.logNodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logNodes, nodeID)
	r.mu.Unlock()
	r.incNodeCount(reg.endpointKey, -1)
	r.logSinks.delete(nodeID)
}

// DispatchStateChange implements §4.E event dispatch for stateChange:
// every matching node is invoked exactly once per event, panics inside a
// consumer handler are contained (§7 ConsumerCallback).
func (r *Registry) DispatchStateChange(id string, state StateValue) {
	r.mu.RLock()
	var sinks []ValueSink
	for _, perEndpoint := range r.subscriptions {
		for _, entry := range perEndpoint {
			if !entry.matches(id) {
				continue
			}
			for nodeID := range entry.nodes {
				if reg, ok := r.registrations[nodeID]; ok && reg.sink != nil {
					sinks = append(sinks, reg.sink)
				}
			}
		}
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		r.safeDispatch(func() { sink.OnStateChange(id, state) })
	}
}

// DispatchLog fans a log entry out to live-log subscribers whose minLevel
// permits it.
func (r *Registry) DispatchLog(entry LogEntry) {
	r.mu.RLock()
	var targets []string
	for nodeID, reg := range r.logNodes {
		if levelAllows(reg.minLevel, entry.Severity) {
			targets = append(targets, nodeID)
		}
	}
	r.mu.RUnlock()

	for _, nodeID := range targets {
		if sink, ok := r.logSinks.load(nodeID); ok {
			r.safeDispatch(func() { sink(entry) })
		}
	}
}

func (r *Registry) safeDispatch(fn func()) {
	defer func() {
		if rec := recover(); rec != nil && r.logger != nil {
			r.logger.Error("consumer handler panicked", "recover", rec)
		}
	}()
	fn()
}

// UpdateNodeStatus implements §4.E status broadcast: walks both
// registrations and eventNodes, filters by endpoint, delivers the mapped
// label (§6 node-status label mapping).
func (r *Registry) UpdateNodeStatus(key EndpointKey, state ConnectionState) {
	label := NodeStatusFor(state)

	r.mu.RLock()
	var observers []StatusObserver
	for _, reg := range r.registrations {
		if reg.endpointKey == key && reg.status != nil {
			observers = append(observers, reg.status)
		}
	}
	for _, reg := range r.eventNodes {
		if reg.endpointKey == key && reg.status != nil {
			observers = append(observers, reg.status)
		}
	}
	r.mu.RUnlock()

	for _, obs := range observers {
		o := obs
		r.safeDispatch(func() { o.UpdateStatus(label) })
	}
}

func (r *Registry) addRecoveryFn(key EndpointKey, fn func(ctx context.Context)) {
	r.mu.Lock()
	r.recoveryFns[key] = append(r.recoveryFns[key], fn)
	r.mu.Unlock()
}

// HandleClientReady implements §4.E reconnect resubscription: collects the
// distinct patterns for key, reissues exactly one upstream subscribe per
// pattern with a rate-limited gap, notifies OnSubscribed, and refreshes
// initial values for non-wildcard patterns. Wired both to the recovery
// manager's retry-success hook and directly to the pool's client-ready
// callback, so a session that becomes ready via a plain GetConnection call
// (not routed through a scheduled retry) still flushes any subscriptions
// deferred while it was down.
func (r *Registry) HandleClientReady(key EndpointKey) {
	r.UpdateNodeStatus(key, StateConnected)

	r.mu.Lock()
	deferred := r.recoveryFns[key]
	delete(r.recoveryFns, key)
	var patterns []string
	if perEndpoint, ok := r.subscriptions[key]; ok {
		for pattern := range perEndpoint {
			patterns = append(patterns, pattern)
		}
	}
	r.mu.Unlock()

	ctx := context.Background()
	for _, fn := range deferred {
		fn(ctx)
	}

	handle, err := r.pool.Get(key)
	if err != nil || !handle.Ready {
		return
	}

	for _, pattern := range patterns {
		_ = r.resubLimiter.Wait(ctx)
		if err := handle.Emit("subscribe", pattern); err != nil {
			if r.logger != nil {
				r.logger.Warn("resubscribe failed", "endpoint", string(key), "pattern", pattern, "error", err.Error())
			}
			continue
		}

		r.mu.RLock()
		var regs []*registration
		if perEndpoint, ok := r.subscriptions[key]; ok {
			if entry, ok := perEndpoint[pattern]; ok {
				for nodeID := range entry.nodes {
					if reg, ok := r.registrations[nodeID]; ok {
						regs = append(regs, reg)
					}
				}
			}
		}
		r.mu.RUnlock()

		for _, reg := range regs {
			if reg.resub != nil {
				reg.resub.OnSubscribed()
			}
			if reg.wantsInitialValue && !strings.Contains(pattern, "*") {
				go r.fetchInitialValue(key, reg)
			}
		}
	}
}

func (r *Registry) onAuthFailed(key EndpointKey) {
	r.UpdateNodeStatus(key, StateAuthFailed)
}

func levelAllows(minLevel, level string) bool {
	rank := map[string]int{"silly": 0, "debug": 1, "info": 2, "warn": 3, "error": 4}
	min, ok := rank[minLevel]
	if !ok {
		min = 0
	}
	got, ok := rank[level]
	if !ok {
		got = 2
	}
	return got >= min
}

