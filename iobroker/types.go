package iobroker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EndpointKey identifies a remote ioBroker server as "host:port".
type EndpointKey string

// NewEndpointKey derives the stable key for a host/port pair.
func NewEndpointKey(host string, port int) EndpointKey {
	return EndpointKey(fmt.Sprintf("%s:%d", host, port))
}

// EndpointConfig is the immutable-per-fingerprint connection configuration
// for one endpoint. Two EndpointConfigs with the same Fingerprint are
// considered equivalent for reuse purposes; any field change forces teardown.
type EndpointConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	UseSSL   bool
}

// Key returns the endpoint key this config addresses.
func (c EndpointConfig) Key() EndpointKey {
	return NewEndpointKey(c.Host, c.Port)
}

// Fingerprint is a stable digest of the fields that, if changed, must force
// a full session teardown before reconnecting (§4.C config-hash invalidation).
func (c EndpointConfig) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%t", c.Host, c.Port, c.User, c.Password, c.UseSSL)))
	return hex.EncodeToString(sum[:])
}

// ConnectionState is the pool's per-endpoint state machine (§3 invariant 3,
// §4.C state diagram).
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthFailed
	StateNetworkError
	StateRetryScheduled
	StateDestroying
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	case StateNetworkError:
		return "network_error"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// NodeStatus is the consumer-facing status label delivered via
// statusChangeCallback (§6 node-status label mapping).
type NodeStatus string

const (
	NodeStatusDisconnected    NodeStatus = "disconnected"
	NodeStatusConnecting      NodeStatus = "connecting"
	NodeStatusReady           NodeStatus = "ready"
	NodeStatusFailedPermanent NodeStatus = "failed_permanently"
	NodeStatusRetrying        NodeStatus = "retrying"
)

// NodeStatusFor maps a ConnectionState to its consumer-facing label.
func NodeStatusFor(s ConnectionState) NodeStatus {
	switch s {
	case StateIdle:
		return NodeStatusDisconnected
	case StateConnecting:
		return NodeStatusConnecting
	case StateConnected:
		return NodeStatusReady
	case StateAuthFailed:
		return NodeStatusFailedPermanent
	case StateNetworkError, StateRetryScheduled:
		return NodeStatusRetrying
	case StateDestroying:
		return NodeStatusDisconnected
	default:
		return NodeStatusDisconnected
	}
}

// ConsumerKind is the kind of local consumer a registration represents.
type ConsumerKind string

const (
	KindSubscribe ConsumerKind = "subscribe"
	KindEvents    ConsumerKind = "events"
	KindLog       ConsumerKind = "log"
	KindHistory   ConsumerKind = "history"
)

// StatusObserver is implemented by any consumer that wants connection-status
// updates (§9 design notes — composed interfaces instead of a dynamic bundle).
type StatusObserver interface {
	UpdateStatus(status NodeStatus)
}

// Resubscriber is implemented by consumers that need to know when their
// upstream subscription has been (re)established, and optionally receive an
// initial value.
type Resubscriber interface {
	OnSubscribed()
	WantsInitialValue() bool
	OnInitialValue(stateID string, state StateValue)
}

// ValueSink receives state-change events for a subscribed pattern.
type ValueSink interface {
	OnStateChange(stateID string, state StateValue)
}

// StateValue is the generic ioBroker state payload.
type StateValue struct {
	Val  interface{} `json:"val"`
	Ack  bool        `json:"ack"`
	From string      `json:"from,omitempty"`
	TS   int64       `json:"ts"`
	LC   int64       `json:"lc,omitempty"`
}

// ObjectChangeOp describes the kind of object mutation (§6 objectChange args).
type ObjectChangeOp string

const (
	ObjectOpUpdate ObjectChangeOp = "update"
	ObjectOpDelete ObjectChangeOp = "delete"
)

// LogEntry is one log-tap line delivered to live-log consumers.
type LogEntry struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	From     string `json:"from,omitempty"`
	TS       int64  `json:"ts"`
}

// ConnectionStatus is the façade's synchronous status snapshot (§6).
type ConnectionStatus struct {
	Connected    bool       `json:"connected"`
	Ready        bool       `json:"ready"`
	Status       string     `json:"status"`
	ServerID     string     `json:"serverId"`
	SSL          SSLStatus  `json:"ssl"`
	Auth         AuthStatus `json:"authentication"`
	ReconnectAtt int         `json:"reconnectionAttempts"`
	ClientStats  ClientStats `json:"clientStats"`
}

// SSLStatus reports whether TLS is in use and which protocol was inferred.
type SSLStatus struct {
	Enabled  bool   `json:"enabled"`
	Protocol string `json:"protocol"`
}

// AuthStatus reports the authentication method and whether it succeeded.
type AuthStatus struct {
	Method        string `json:"method"`
	Authenticated bool   `json:"authenticated"`
}

// ClientStats are low-level session counters surfaced for observability.
type ClientStats struct {
	PendingCallbacks int `json:"pendingCallbacks"`
	SessionID        int64 `json:"sessionId"`
}
