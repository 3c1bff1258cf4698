package iobroker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nodered/iobroker-gateway/iobroker/session"
)

// Classification is the recovery manager's verdict on an error (§7, §4.D).
type Classification int

const (
	ClassUnknown Classification = iota
	ClassAuthPermanent
	ClassRetryable
)

// AuthError is returned by the auth client when the OAuth2 token endpoint
// rejects the password grant (§4.A).
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Body)
}

// ErrDestroyed is returned when a session connect is attempted after the
// session has been marked destroyed (§4.B step 1).
var ErrDestroyed = session.ErrDestroyed

// ErrReadySignalTimeout is returned when the ready gate does not open within
// the configured handshake timeout (§4.B step 6).
var ErrReadySignalTimeout = session.ErrReadySignalTimeout

// ErrCallbackTimeout is returned to a façade caller whose pending callback
// expired before a response arrived (§3 pending callback horizon).
var ErrCallbackTimeout = session.ErrCallbackTimeout

// ErrStateForbidsConnect is returned by the pool when GetConnection is called
// while the endpoint is AUTH_FAILED or DESTROYING (§4.C step 5).
var ErrStateForbidsConnect = errors.New("iobroker: connection state forbids connect")

// ErrProtocolDecode marks a malformed inbound frame; the session logs and
// drops it rather than propagating the error (§7 ProtocolDecode).
var ErrProtocolDecode = errors.New("iobroker: could not decode inbound frame")

// authPermanentSubstrings are phrases that indicate a hard, non-retryable
// authentication failure (§4.D classifier).
var authPermanentSubstrings = []string{
	"invalid grant",
	"unauthorized",
	"invalid credentials",
	"wrong username or password",
	"access denied",
	"bad credentials",
	"authentication required",
	"authentication failed (404)",
	"authentication failed",
}

// networkRetryableSubstrings are phrases that indicate a transient network
// condition (§4.D classifier).
var networkRetryableSubstrings = []string{
	"timeout",
	"refused",
	"network",
	"econnreset",
	"enotfound",
	"ehostunreach",
	"socket hang up",
	"connection closed",
	"connect etimedout",
	"connect econnrefused",
}

// Classify implements the §4.D error classifier: authentication errors are
// permanent unless a network-error token co-occurs, in which case the
// composite is retryable; everything else not recognized as a hard auth
// failure defaults to retryable.
func Classify(err error) Classification {
	if err == nil {
		return ClassUnknown
	}
	msg := strings.ToLower(err.Error())

	hasAuthPhrase := containsAny(msg, authPermanentSubstrings)
	hasNetworkPhrase := containsAny(msg, networkRetryableSubstrings)

	switch {
	case hasAuthPhrase && hasNetworkPhrase:
		return ClassRetryable
	case hasAuthPhrase:
		return ClassAuthPermanent
	case hasNetworkPhrase:
		return ClassRetryable
	default:
		return ClassRetryable
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
