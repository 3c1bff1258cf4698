package iobroker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nodered/iobroker-gateway/iobroker/session"
)

// AuthClient implements session.AuthFetcher against the §4.A password-grant
// contract, grounded on the cached-token pattern of the teacher's
// SaxoAuthClient (oauth.go), adapted from an authorization-code flow to a
// direct password grant driven through oauth2.Config.PasswordCredentialsToken
// and cached per endpoint via oauth2.ReuseTokenSource.
type AuthClient struct {
	httpClient *http.Client
	authCtx    context.Context // carries httpClient for oauth2's internal requests

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource

	tokenMu sync.RWMutex
	tokenAt time.Time
}

// NewAuthClient builds an AuthClient. insecureSkipVerify matches §4.A's
// default compatibility posture for self-signed ioBroker deployments.
func NewAuthClient(insecureSkipVerify bool) *AuthClient {
	transport := http.DefaultTransport
	if insecureSkipVerify {
		transport = insecureTransport()
	}
	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: transport,
	}
	return &AuthClient{
		httpClient: httpClient,
		authCtx:    context.WithValue(context.Background(), oauth2.HTTPClient, httpClient),
		sources:    make(map[string]oauth2.TokenSource),
	}
}

// passwordTokenSource adapts one (config, credentials) pair to the
// oauth2.TokenSource interface so oauth2.ReuseTokenSource can cache the
// result and only re-authenticate once it expires.
type passwordTokenSource struct {
	ctx            context.Context
	cfg            *oauth2.Config
	user, password string
}

func (s passwordTokenSource) Token() (*oauth2.Token, error) {
	return s.cfg.PasswordCredentialsToken(s.ctx, s.user, s.password)
}

// FetchToken implements session.AuthFetcher: drives the password grant
// against /oauth/token through oauth2.Config.PasswordCredentialsToken,
// reusing a cached, still-valid token via oauth2.ReuseTokenSource rather than
// re-authenticating on every call. ioBroker's token endpoint additionally
// requires a "stayloggedin" flag that the library's fixed password-grant
// form fields don't carry; it rides along as a static query parameter on the
// token URL instead.
func (a *AuthClient) FetchToken(ctx context.Context, host string, port int, useSSL bool, user, password string) (session.Token, error) {
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	tokenURL := fmt.Sprintf("%s://%s:%d/oauth/token?stayloggedin=false", scheme, host, port)
	key := tokenURL + "|" + user

	a.mu.Lock()
	src, ok := a.sources[key]
	if !ok {
		cfg := &oauth2.Config{
			ClientID: "ioBroker",
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
		}
		src = oauth2.ReuseTokenSource(nil, passwordTokenSource{
			ctx:      a.authCtx,
			cfg:      cfg,
			user:     user,
			password: password,
		})
		a.sources[key] = src
	}
	a.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		if retrieveErr, ok := err.(*oauth2.RetrieveError); ok {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return session.Token{}, &AuthError{StatusCode: status, Body: string(retrieveErr.Body)}
		}
		return session.Token{}, fmt.Errorf("iobroker: token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return session.Token{}, &AuthError{Body: "response missing access_token"}
	}

	a.tokenMu.Lock()
	a.tokenAt = time.Now()
	a.tokenMu.Unlock()

	return session.Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// LastTokenAge reports how long ago the most recent token was obtained
// through FetchToken, or zero if none has been obtained yet.
func (a *AuthClient) LastTokenAge() time.Duration {
	a.tokenMu.RLock()
	defer a.tokenMu.RUnlock()
	if a.tokenAt.IsZero() {
		return 0
	}
	return time.Since(a.tokenAt)
}
