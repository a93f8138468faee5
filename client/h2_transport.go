package client

import (
	"net/netip"
	"time"

	"golang.org/x/net/http2"

	"github.com/firasghr/GoEgressFleet/fingerprint"
)

// Browser HTTP/2 SETTINGS values, captured from Chromium-family clients.
// Browsers raise SETTINGS_HEADER_TABLE_SIZE from the default 4096 to 65536
// and advertise a 256 KiB header list limit; the stock Go client announces
// neither, which is itself a fingerprint.
const (
	h2HeaderTableSize   uint32 = 65536
	h2MaxHeaderListSize uint32 = 262144
)

// TransportConfig groups connection lifetime knobs for NewTransport.
type TransportConfig struct {
	// IdleConnTimeout is how long an idle HTTP/2 connection is kept.
	// Zero means 90s.
	IdleConnTimeout time.Duration

	// ReadIdleTimeout, when positive, enables ping-based connection health
	// checks after that much read inactivity.
	ReadIdleTimeout time.Duration

	// PingTimeout bounds the health-check ping.  Zero uses the http2
	// library default.
	PingTimeout time.Duration

	// DialTimeout bounds the TCP connect of each new connection.
	DialTimeout time.Duration

	// InsecureSkipVerify is forwarded to the TLS dialer.  Tests only.
	InsecureSkipVerify bool
}

// NewTransport returns an HTTP/2 transport whose every connection dials from
// local and handshakes with p's ClientHello.  One transport per (source IP,
// persona) pair; connection reuse inside a pair is desirable since real
// browsers multiplex aggressively over a single connection.
//
// DisableCompression is on: the header builders set accept-encoding
// themselves (with raw lowercase keys the transport's canonical lookup cannot
// see), so letting the transport manage compression would append a second
// accept-encoding field line.  Browsers never send two.  The cost is that
// response bodies arrive exactly as the origin encoded them and the caller
// inflates.
func NewTransport(p fingerprint.Persona, local netip.Addr, cfg TransportConfig) *http2.Transport {
	idle := cfg.IdleConnTimeout
	if idle == 0 {
		idle = 90 * time.Second
	}
	return &http2.Transport{
		DialTLSContext: NewDialTLS(DialerConfig{
			HelloID:            p.HelloID,
			LocalAddr:          local,
			DialTimeout:        cfg.DialTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}),
		MaxDecoderHeaderTableSize: h2HeaderTableSize,
		MaxEncoderHeaderTableSize: h2HeaderTableSize,
		MaxHeaderListSize:         h2MaxHeaderListSize,
		DisableCompression:        true,
		IdleConnTimeout:           idle,
		ReadIdleTimeout:           cfg.ReadIdleTimeout,
		PingTimeout:               cfg.PingTimeout,
	}
}
