package iobroker

import (
	"crypto/tls"
	"net/http"
)

// insecureTransport returns an http.RoundTripper with certificate
// verification disabled, matching ioBroker's typical self-signed
// deployment (§4.A compatibility decision).
func insecureTransport() http.RoundTripper {
	return &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
}
