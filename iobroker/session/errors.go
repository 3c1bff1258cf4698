package session

import "errors"

// errProtocolDecode marks a malformed inbound frame (§7 ProtocolDecode). The
// client logs and drops these; they never reach the caller's request path.
var errProtocolDecode = errors.New("session: protocol decode error")

// ErrDestroyed is returned by Connect when the client has already been
// destroyed (§4.B step 1).
var ErrDestroyed = errors.New("session: destroyed")

// ErrReadySignalTimeout is returned when ___ready___ doesn't arrive within
// the handshake timeout (§4.B step 6).
var ErrReadySignalTimeout = errors.New("session: timed out waiting for ready signal")

// ErrCallbackTimeout marks a pending callback that expired before a response
// arrived.
var ErrCallbackTimeout = errors.New("session: callback timed out")

// ErrNotConnected is returned by Emit when a non-callback call needs a
// connected session and none is available.
var ErrNotConnected = errors.New("session: not connected")
