package iobroker

import "time"

// Config holds the tunable knobs of §6, with the documented defaults.
type Config struct {
	ConnectTimeout       time.Duration
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	CallbackExpiry       time.Duration
	RetryBase            time.Duration
	RetryJitter          time.Duration
	RetryFallback        time.Duration
	ImmediateRetryDelay  time.Duration
	TokenRefreshInterval time.Duration
	ClientName           string

	// InsecureSkipVerify disables TLS certificate verification. ioBroker
	// deployments commonly run self-signed certificates; default true to
	// match that reality, and surface it as an explicit knob so operators
	// who do run trusted certs can turn it off.
	InsecureSkipVerify bool
}

// DefaultConfig returns the pool's connect-path configuration (8s connect,
// 5s heartbeat, 30s pong timeout), per §4.C step 6.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       8 * time.Second,
		HandshakeTimeout:     8 * time.Second,
		PingInterval:         5 * time.Second,
		PongTimeout:          30 * time.Second,
		CallbackExpiry:       30 * time.Second,
		RetryBase:            5 * time.Second,
		RetryJitter:          2 * time.Second,
		RetryFallback:        10 * time.Second,
		ImmediateRetryDelay:  100 * time.Millisecond,
		TokenRefreshInterval: 55 * time.Minute,
		ClientName:           "node-red-iobroker-gateway",
		InsecureSkipVerify:   true,
	}
}

// SessionConfig returns the standalone session client's default timeouts
// (15s handshake, per §4.B), distinct from the pool's tighter 8s connect
// budget.
func SessionConfig() Config {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 15 * time.Second
	cfg.PongTimeout = 60 * time.Second
	return cfg
}
