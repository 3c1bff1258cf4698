package iobroker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodered/iobroker-gateway/iobroker/session"
)

// fakeIoBrokerServer is an in-process stand-in for an ioBroker WebSocket
// endpoint good enough to drive Pool.connect end to end: it upgrades and
// immediately signals ready.
type fakeIoBrokerServer struct {
	*httptest.Server
	dials int32
}

func newFakeIoBrokerServer(t *testing.T) *fakeIoBrokerServer {
	fs := &fakeIoBrokerServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fs.dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ready, _ := json.Marshal([]interface{}{0, 0, "___ready___"})
		conn.WriteMessage(websocket.TextMessage, ready)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.Server.Close)
	return fs
}

func (fs *fakeIoBrokerServer) hostPort(t *testing.T) (string, int) {
	u, err := url.Parse(fs.Server.URL)
	require.NoError(t, err)
	host, portStr, err := parseHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func parseHostPort(hostport string) (string, string, error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}

func testPoolConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 5 * time.Second
	cfg.InsecureSkipVerify = true
	return cfg
}

func TestPool_GetConnectionEstablishesConnectedState(t *testing.T) {
	fs := newFakeIoBrokerServer(t)
	host, port := fs.hostPort(t)
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	config := EndpointConfig{Host: host, Port: port}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	handle, err := pool.GetConnection(ctx, config)
	require.NoError(t, err)
	assert.True(t, handle.Ready)
	assert.Equal(t, StateConnected, pool.State(config.Key()))
}

func TestPool_GetReturnsForbiddenBeforeAnyConnection(t *testing.T) {
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	_, err := pool.Get(EndpointKey("nowhere:1"))
	assert.ErrorIs(t, err, ErrStateForbidsConnect)
}

func TestPool_GetReturnsExistingSessionWithoutConfig(t *testing.T) {
	fs := newFakeIoBrokerServer(t)
	host, port := fs.hostPort(t)
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	config := EndpointConfig{Host: host, Port: port}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := pool.GetConnection(ctx, config)
	require.NoError(t, err)

	handle, err := pool.Get(config.Key())
	require.NoError(t, err)
	assert.True(t, handle.Ready)
}

func TestPool_FingerprintChangeForcesCleanupAndReconnect(t *testing.T) {
	fs := newFakeIoBrokerServer(t)
	host, port := fs.hostPort(t)
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	config := EndpointConfig{Host: host, Port: port, Password: "first"}
	_, err := pool.GetConnection(ctx, config)
	require.NoError(t, err)
	firstDials := atomic.LoadInt32(&fs.dials)
	assert.Equal(t, int32(1), firstDials)

	changed := EndpointConfig{Host: host, Port: port, Password: "second"}
	_, err = pool.GetConnection(ctx, changed)
	require.NoError(t, err)

	assert.Greater(t, atomic.LoadInt32(&fs.dials), firstDials, "a changed fingerprint must force a fresh dial")
}

func TestPool_GetConnectionUnreachableEndpointSetsNetworkError(t *testing.T) {
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	config := EndpointConfig{Host: "127.0.0.1", Port: 1} // nothing listens on port 1

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := pool.GetConnection(ctx, config)
	require.Error(t, err)
	assert.Equal(t, StateNetworkError, pool.State(config.Key()))
}

func TestPool_ConcurrentGetConnectionSingleFlights(t *testing.T) {
	fs := newFakeIoBrokerServer(t)
	host, port := fs.hostPort(t)
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	config := EndpointConfig{Host: host, Port: port}

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, err := pool.GetConnection(ctx, config)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fs.dials), "N concurrent connects to an idle endpoint must dial exactly once")
}

func TestPool_CloseConnectionResetsToIdle(t *testing.T) {
	fs := newFakeIoBrokerServer(t)
	host, port := fs.hostPort(t)
	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	config := EndpointConfig{Host: host, Port: port}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := pool.GetConnection(ctx, config)
	require.NoError(t, err)

	require.NoError(t, pool.CloseConnection(config.Key()))
	assert.Equal(t, StateIdle, pool.State(config.Key()))
}

func TestPool_ForceServerSwitchTearsDownOldAndConnectsNew(t *testing.T) {
	fsOld := newFakeIoBrokerServer(t)
	fsNew := newFakeIoBrokerServer(t)
	oldHost, oldPort := fsOld.hostPort(t)
	newHost, newPort := fsNew.hostPort(t)

	pool := NewPool(testPoolConfig(), nil, session.NewLogger("test", nil), nil)
	oldConfig := EndpointConfig{Host: oldHost, Port: oldPort}
	newConfig := EndpointConfig{Host: newHost, Port: newPort}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := pool.GetConnection(ctx, oldConfig)
	require.NoError(t, err)

	require.NoError(t, pool.ForceServerSwitch(ctx, oldConfig.Key(), newConfig))
	assert.Equal(t, StateIdle, pool.State(oldConfig.Key()))
	assert.Equal(t, StateConnected, pool.State(newConfig.Key()))
}
