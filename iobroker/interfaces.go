package iobroker

import "context"

// ConnectionProvider is the slice of pool behavior the registry and façade
// depend on. Accepting this instead of a concrete *Pool keeps both
// testable against a fake pool and documents exactly what they need from it.
type ConnectionProvider interface {
	GetConnection(ctx context.Context, config EndpointConfig) (*SessionHandle, error)
	Get(key EndpointKey) (*SessionHandle, error)
	GetConnectionStatus(key EndpointKey) ConnectionStatus
	ForceServerSwitch(ctx context.Context, oldKey EndpointKey, newConfig EndpointConfig) error
	AttemptReconnection(ctx context.Context, key EndpointKey) (*SessionHandle, error)
	State(key EndpointKey) ConnectionState
}

var _ ConnectionProvider = (*Pool)(nil)
