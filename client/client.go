package client

import (
	"net/http"
	"net/netip"

	"github.com/firasghr/GoEgressFleet/fingerprint"
)

// NewClient returns an *http.Client speaking HTTP/2 from the given source
// address with the given persona's TLS fingerprint.
//
// Redirects are never followed automatically: 3xx responses are returned to
// the caller as-is.  The session layer walks redirect chains itself so it can
// harvest cookies from every hop, and data fetches must surface the origin's
// status untouched.
//
// No cookie jar is attached.  Cookie state lives in the session layer, keyed
// by source IP, so that reclaiming an IP drops its cookies atomically with
// the rest of its identity.
func NewClient(p fingerprint.Persona, local netip.Addr, cfg TransportConfig) *http.Client {
	return &http.Client{
		Transport: NewTransport(p, local, cfg),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
