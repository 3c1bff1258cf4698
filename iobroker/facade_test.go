package iobroker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowFailingProvider struct {
	delay    time.Duration
	err      error
	getCalls int32
}

func (p *slowFailingProvider) GetConnection(ctx context.Context, config EndpointConfig) (*SessionHandle, error) {
	atomic.AddInt32(&p.getCalls, 1)
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, p.err
}
func (p *slowFailingProvider) Get(key EndpointKey) (*SessionHandle, error) { return nil, p.err }
func (p *slowFailingProvider) GetConnectionStatus(key EndpointKey) ConnectionStatus {
	return ConnectionStatus{}
}
func (p *slowFailingProvider) ForceServerSwitch(ctx context.Context, oldKey EndpointKey, newConfig EndpointConfig) error {
	return nil
}
func (p *slowFailingProvider) AttemptReconnection(ctx context.Context, key EndpointKey) (*SessionHandle, error) {
	return nil, p.err
}
func (p *slowFailingProvider) State(key EndpointKey) ConnectionState { return StateIdle }

func TestGateway_GetStateCoalescesConcurrentCallers(t *testing.T) {
	provider := &slowFailingProvider{delay: 100 * time.Millisecond, err: errors.New("upstream down")}
	gw := NewGateway(provider, nil)
	config := EndpointConfig{Host: "h", Port: 1}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := gw.GetState(context.Background(), config, "sys.x")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream down")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.getCalls), "concurrent callers for the same id must share one upstream call")
}

func TestGateway_GetStateDoesNotCoalesceAcrossDifferentIDs(t *testing.T) {
	provider := &slowFailingProvider{delay: 10 * time.Millisecond, err: errors.New("upstream down")}
	gw := NewGateway(provider, nil)
	config := EndpointConfig{Host: "h", Port: 1}

	var wg sync.WaitGroup
	for _, id := range []string{"sys.a", "sys.b", "sys.c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = gw.GetState(context.Background(), config, id)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(3), atomic.LoadInt32(&provider.getCalls))
}

func TestGateway_GetStateRespectsCallerContextCancellation(t *testing.T) {
	provider := &slowFailingProvider{delay: time.Second, err: errors.New("unused")}
	gw := NewGateway(provider, nil)
	config := EndpointConfig{Host: "h", Port: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.GetState(ctx, config, "sys.x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestToStateObject_PassesThroughExistingStateObject(t *testing.T) {
	raw := map[string]interface{}{"val": 5, "ack": true}
	got := toStateObject(raw, false)
	assert.Equal(t, raw, got)
}

func TestToStateObject_PassesThroughStateValue(t *testing.T) {
	sv := StateValue{Val: 1, Ack: true}
	got := toStateObject(sv, false)
	assert.Equal(t, sv, got)
}

func TestToStateObject_WrapsBareValue(t *testing.T) {
	got := toStateObject(42, true)
	sv, ok := got.(StateValue)
	require.True(t, ok)
	assert.Equal(t, 42, sv.Val)
	assert.True(t, sv.Ack)
	assert.Equal(t, "system.adapter.node-red", sv.From)
	assert.NotZero(t, sv.TS)
}

func TestNewNodeID_ProducesDistinctValues(t *testing.T) {
	a := NewNodeID()
	b := NewNodeID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
