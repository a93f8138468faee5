// Package client builds the outbound HTTP stack: a uTLS dialer that binds to
// a chosen IPv6 source address and parrots a browser ClientHello, an HTTP/2
// transport tuned to browser frame settings, and header builders that keep
// request headers in genuine browser order.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"

	utls "github.com/refraction-networking/utls"
)

const defaultDialTimeout = 15 * time.Second

// DialerConfig controls socket binding and handshake impersonation.
type DialerConfig struct {
	// HelloID selects which browser's ClientHello to parrot.
	HelloID utls.ClientHelloID

	// LocalAddr, when valid, is the source address outbound TCP connections
	// bind to.  The zero Addr leaves source selection to the kernel.
	LocalAddr netip.Addr

	// DialTimeout bounds the TCP connect.  Zero means 15s.
	DialTimeout time.Duration

	// InsecureSkipVerify disables certificate verification.  Only for tests
	// against self-signed origins.
	InsecureSkipVerify bool
}

// NewDialTLS returns a dial function compatible with
// http2.Transport.DialTLSContext.  Each call dials TCP from the configured
// source address, then completes a uTLS handshake with the parroted hello:
// GREASE values, cipher-suite order, and extension order all come from the
// HelloID's spec, so the wire fingerprint matches the real browser build.
//
// The connection is rejected unless the origin negotiates HTTP/2, since the
// transport this feeds speaks nothing else.
func NewDialTLS(cfg DialerConfig) func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	return func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("client: parse addr %q: %w", addr, err)
		}

		d := &net.Dialer{Timeout: timeout}
		if cfg.LocalAddr.IsValid() {
			d.LocalAddr = &net.TCPAddr{IP: cfg.LocalAddr.AsSlice(), Zone: cfg.LocalAddr.Zone()}
		}
		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}

		spec, err := utls.UTLSIdToSpec(cfg.HelloID)
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("client: hello spec %s: %w", cfg.HelloID.Str(), err)
		}

		uconn := utls.UClient(raw, &utls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402: test-only knob, off by default
		}, utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("client: apply hello %s: %w", cfg.HelloID.Str(), err)
		}

		if err := uconn.HandshakeContext(ctx); err != nil {
			_ = uconn.Close()
			return nil, fmt.Errorf("client: handshake with %s: %w", host, err)
		}
		if proto := uconn.ConnectionState().NegotiatedProtocol; proto != "h2" {
			_ = uconn.Close()
			return nil, fmt.Errorf("client: %s negotiated %q, want h2", host, proto)
		}
		return uconn, nil
	}
}
