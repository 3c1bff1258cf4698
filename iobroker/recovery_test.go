package iobroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type scriptedProvider struct {
	mu      sync.Mutex
	state   ConnectionState
	attempt func(ctx context.Context, key EndpointKey) (*SessionHandle, error)
	calls   int
}

func (p *scriptedProvider) GetConnection(ctx context.Context, config EndpointConfig) (*SessionHandle, error) {
	return nil, nil
}
func (p *scriptedProvider) Get(key EndpointKey) (*SessionHandle, error) { return nil, nil }
func (p *scriptedProvider) GetConnectionStatus(key EndpointKey) ConnectionStatus {
	return ConnectionStatus{}
}
func (p *scriptedProvider) ForceServerSwitch(ctx context.Context, oldKey EndpointKey, newConfig EndpointConfig) error {
	return nil
}
func (p *scriptedProvider) AttemptReconnection(ctx context.Context, key EndpointKey) (*SessionHandle, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.attempt(ctx, key)
}
func (p *scriptedProvider) State(key EndpointKey) ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func testRecoveryConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBase = 10 * time.Millisecond
	cfg.RetryJitter = 5 * time.Millisecond
	cfg.RetryFallback = 20 * time.Millisecond
	cfg.ImmediateRetryDelay = 5 * time.Millisecond
	return cfg
}

func TestRecovery_NodeCountChangedCancelsTimerWhenZero(t *testing.T) {
	provider := &scriptedProvider{state: StateRetryScheduled}
	rec := NewRecovery(provider, testRecoveryConfig(), nil, nil)
	key := EndpointKey("h:1")

	rec.NodeCountChanged(key, 1)
	rec.ScheduleRetry(key)
	rec.NodeCountChanged(key, 0)

	rec.mu.Lock()
	_, exists := rec.slots[key]
	rec.mu.Unlock()
	assert.False(t, exists, "slot must be forgotten once node count drops to zero")

	time.Sleep(50 * time.Millisecond)
	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	assert.Equal(t, 0, calls, "a cancelled retry must never fire")
}

func TestRecovery_FireSkipsWhenStateNoLongerRetryEligible(t *testing.T) {
	provider := &scriptedProvider{state: StateConnected}
	rec := NewRecovery(provider, testRecoveryConfig(), nil, nil)
	key := EndpointKey("h:1")

	rec.NodeCountChanged(key, 1)
	rec.ScheduleRetry(key)

	time.Sleep(50 * time.Millisecond)
	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	assert.Equal(t, 0, calls, "fire must bail out once the endpoint is no longer retry-eligible")
}

func TestRecovery_FireSucceedsAndInvokesOnReconnectSuccess(t *testing.T) {
	provider := &scriptedProvider{state: StateRetryScheduled}
	provider.attempt = func(ctx context.Context, key EndpointKey) (*SessionHandle, error) {
		return &SessionHandle{Ready: true, Connected: true}, nil
	}
	rec := NewRecovery(provider, testRecoveryConfig(), nil, nil)
	key := EndpointKey("h:1")

	done := make(chan EndpointKey, 1)
	rec.OnReconnectSuccess(func(k EndpointKey) { done <- k })

	rec.NodeCountChanged(key, 1)
	rec.ScheduleRetry(key)

	select {
	case got := <-done:
		assert.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onReconnectSuccess to fire")
	}

	rec.mu.Lock()
	_, exists := rec.slots[key]
	rec.mu.Unlock()
	assert.False(t, exists)
}

func TestRecovery_FireEscalatesAuthPermanentAndStopsRetrying(t *testing.T) {
	provider := &scriptedProvider{state: StateRetryScheduled}
	provider.attempt = func(ctx context.Context, key EndpointKey) (*SessionHandle, error) {
		return nil, errors.New("invalid credentials")
	}
	rec := NewRecovery(provider, testRecoveryConfig(), nil, nil)
	key := EndpointKey("h:1")

	done := make(chan EndpointKey, 1)
	rec.OnAuthFailed(func(k EndpointKey) { done <- k })

	rec.NodeCountChanged(key, 1)
	rec.ScheduleRetry(key)

	select {
	case got := <-done:
		assert.Equal(t, key, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onAuthFailed to fire")
	}

	rec.mu.Lock()
	_, exists := rec.slots[key]
	rec.mu.Unlock()
	assert.False(t, exists, "a permanent auth failure must not leave a retry slot behind")
}

func TestRecovery_FireReschedulesOnNetworkFailure(t *testing.T) {
	provider := &scriptedProvider{state: StateRetryScheduled}
	var calls int
	var mu sync.Mutex
	provider.attempt = func(ctx context.Context, key EndpointKey) (*SessionHandle, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 2 {
			return nil, errors.New("connection refused")
		}
		return &SessionHandle{Ready: true}, nil
	}
	rec := NewRecovery(provider, testRecoveryConfig(), nil, nil)
	key := EndpointKey("h:1")

	done := make(chan EndpointKey, 1)
	rec.OnReconnectSuccess(func(k EndpointKey) { done <- k })

	rec.NodeCountChanged(key, 1)
	rec.ScheduleRetry(key)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected eventual reconnect success after one rescheduled failure")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}

func TestRecovery_ShutdownCancelsAllTimers(t *testing.T) {
	provider := &scriptedProvider{state: StateRetryScheduled}
	rec := NewRecovery(provider, testRecoveryConfig(), nil, nil)
	key := EndpointKey("h:1")

	rec.NodeCountChanged(key, 1)
	rec.ScheduleRetry(key)
	rec.Shutdown()

	rec.mu.Lock()
	count := len(rec.slots)
	rec.mu.Unlock()
	assert.Equal(t, 0, count)

	time.Sleep(30 * time.Millisecond)
	provider.mu.Lock()
	calls := provider.calls
	provider.mu.Unlock()
	assert.Equal(t, 0, calls)
}
