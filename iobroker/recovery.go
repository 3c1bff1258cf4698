package iobroker

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// retrySlot is the recovery manager's per-endpoint retry bookkeeping
// (§3 data model: retry slot). Active only while the endpoint is
// RETRY_SCHEDULED and at least one consumer remains.
type retrySlot struct {
	timer        *time.Timer
	attemptCount int
	nodeCount    int
}

// Recovery implements the §4.D retry scheduler and error classifier wiring.
// It is driven by the registry's node-count accounting and the pool's
// connect failures, and in turn drives the pool back towards CONNECTED.
type Recovery struct {
	pool    ConnectionProvider
	metrics *Metrics
	logger  recoveryLogger

	base     time.Duration
	jitter   time.Duration
	fallback time.Duration
	immediate time.Duration

	mu    sync.Mutex
	slots map[EndpointKey]*retrySlot

	onReconnectSuccess func(key EndpointKey)
	onAuthFailed       func(key EndpointKey)
}

type recoveryLogger interface {
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

// NewRecovery builds a Recovery manager bound to pool, using cfg's
// retryBase/retryJitter/retryFallback/immediateRetryDelay.
func NewRecovery(pool ConnectionProvider, cfg Config, metrics *Metrics, logger recoveryLogger) *Recovery {
	return &Recovery{
		pool:      pool,
		metrics:   metrics,
		logger:    logger,
		base:      cfg.RetryBase,
		jitter:    cfg.RetryJitter,
		fallback:  cfg.RetryFallback,
		immediate: cfg.ImmediateRetryDelay,
		slots:     make(map[EndpointKey]*retrySlot),
	}
}

// OnReconnectSuccess registers the registry's resubscribe hook, invoked
// after a retry produces a ready session (§4.D step 3, handleConnectionSuccess).
func (r *Recovery) OnReconnectSuccess(fn func(key EndpointKey)) { r.onReconnectSuccess = fn }

// OnAuthFailed registers a hook invoked when a retry escalates to a
// permanent authentication failure.
func (r *Recovery) OnAuthFailed(fn func(key EndpointKey)) { r.onAuthFailed = fn }

// NodeCountChanged updates the recovery manager's view of how many local
// consumers remain for key. When it drops to zero, any pending retry timer
// is cancelled and the slot is forgotten (§4.D per-endpoint node counter,
// §8 property 6).
func (r *Recovery) NodeCountChanged(key EndpointKey, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[key]
	if !ok {
		if count > 0 {
			r.slots[key] = &retrySlot{nodeCount: count}
		}
		return
	}
	slot.nodeCount = count
	if count == 0 {
		if slot.timer != nil {
			slot.timer.Stop()
		}
		delete(r.slots, key)
	}
}

// ScheduleRetry arms the jittered retry timer for key (delay in
// [retryBase, retryBase+retryJitter]), replacing any existing timer
// (§4.D: one pending retry per endpoint).
func (r *Recovery) ScheduleRetry(key EndpointKey) {
	delay := r.base + time.Duration(rand.Int63n(int64(r.jitter)+1))
	r.arm(key, delay)
}

// ScheduleImmediateRetry replaces the delay with ~100ms (§4.D
// scheduleImmediateRetry). A failed immediate retry is handled by fire like
// any other: a retryable error re-arms after retryFallback, and a non-ready
// result without an error re-arms on the jittered schedule.
func (r *Recovery) ScheduleImmediateRetry(key EndpointKey) {
	r.arm(key, r.immediate)
}

func (r *Recovery) arm(key EndpointKey, delay time.Duration) {
	r.mu.Lock()
	slot, ok := r.slots[key]
	if !ok {
		slot = &retrySlot{}
		r.slots[key] = slot
	}
	if slot.timer != nil {
		slot.timer.Stop()
	}
	slot.attemptCount++
	attempt := slot.attemptCount
	timer := time.AfterFunc(delay, func() { r.fire(key) })
	slot.timer = timer
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("retry scheduled", "endpoint", string(key), "delay", delay.String(), "attempt", attempt)
	}
}

// fire runs the scheduled retry callback (§4.D steps 1-4).
func (r *Recovery) fire(key EndpointKey) {
	r.mu.Lock()
	slot, ok := r.slots[key]
	if ok {
		slot.timer = nil
	}
	nodeCount := 0
	if ok {
		nodeCount = slot.nodeCount
	}
	r.mu.Unlock()

	if !ok || nodeCount == 0 {
		return
	}
	if r.pool.State(key) != StateRetryScheduled && r.pool.State(key) != StateNetworkError {
		return
	}

	if r.metrics != nil {
		r.metrics.IncReconnect(string(key))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	handle, err := r.pool.AttemptReconnection(ctx, key)
	if err == nil && handle != nil && handle.Ready {
		if r.onReconnectSuccess != nil {
			r.onReconnectSuccess(key)
		}
		r.mu.Lock()
		delete(r.slots, key)
		r.mu.Unlock()
		return
	}

	if err == nil {
		r.ScheduleRetry(key)
		return
	}

	switch Classify(err) {
	case ClassAuthPermanent:
		if r.logger != nil {
			r.logger.Warn("retry escalated to permanent auth failure", "endpoint", string(key), "error", err.Error())
		}
		if r.onAuthFailed != nil {
			r.onAuthFailed(key)
		}
		r.mu.Lock()
		delete(r.slots, key)
		r.mu.Unlock()
	default:
		if r.logger != nil {
			r.logger.Warn("retry failed, rescheduling", "endpoint", string(key), "error", err.Error())
		}
		r.arm(key, r.fallback)
	}
}

// Shutdown cancels every pending retry timer (process teardown, §5 lifecycle).
func (r *Recovery) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, slot := range r.slots {
		if slot.timer != nil {
			slot.timer.Stop()
		}
		delete(r.slots, key)
	}
}
