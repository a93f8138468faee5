// Package fingerprint provides the catalog of browser personas used to keep
// every outbound signal coherent.
//
// Anti-bot systems correlate the TLS ClientHello (JA3/JA4), the HTTP/2
// SETTINGS frame, and the HTTP headers to detect automation.  A mismatch
// between any of these signals, such as a Chrome-like TLS hello combined with
// a Firefox User-Agent, is a reliable automation indicator.  A Persona bundles
// a uTLS ClientHello template identifier with the header values a real build
// of that browser sends, so the dialer, the transport, and the request
// builder all draw from the same identity.
//
// Personas are immutable catalog entries.  Assignment to a source IP happens
// once, on first use, and the binding layer keeps the choice stable until the
// IP is reclaimed.
package fingerprint

import (
	"fmt"
	"math/rand/v2"

	utls "github.com/refraction-networking/utls"
)

// Persona is one browser identity: the ClientHello template plus the header
// values consistent with it.
type Persona struct {
	// Name uniquely identifies the persona in stats and logs,
	// e.g. "chrome-120-win".
	Name string

	// HelloID selects the uTLS parrot whose ClientHelloSpec (cipher order,
	// extensions, GREASE) is applied during the handshake.
	HelloID utls.ClientHelloID

	// UserAgent is the exact User-Agent string of this browser build.
	UserAgent string

	// Client hints.  Populated only for Chromium-family personas; Firefox,
	// Safari, and iOS builds do not send them.
	SecChUA         string
	SecChUAMobile   string
	SecChUAPlatform string

	// AcceptLanguage is the Accept-Language value this build ships with.
	AcceptLanguage string

	// AcceptNavigate is the Accept value sent on top-level document
	// navigations (session bootstrap).  Data requests use */*.
	AcceptNavigate string
}

// IsChromium reports whether the persona belongs to the Chromium family and
// therefore sends sec-ch-ua client hints.
func (p Persona) IsChromium() bool { return p.SecChUA != "" }

// Validate checks that the persona's fields are internally consistent:
// Chromium personas carry all three client-hint fields, others carry none.
func (p Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("fingerprint: persona has no name")
	}
	if p.UserAgent == "" {
		return fmt.Errorf("fingerprint: persona %s has no user agent", p.Name)
	}
	if p.AcceptLanguage == "" || p.AcceptNavigate == "" {
		return fmt.Errorf("fingerprint: persona %s is missing accept headers", p.Name)
	}
	hints := 0
	for _, v := range []string{p.SecChUA, p.SecChUAMobile, p.SecChUAPlatform} {
		if v != "" {
			hints++
		}
	}
	if hints != 0 && hints != 3 {
		return fmt.Errorf("fingerprint: persona %s has partial client hints", p.Name)
	}
	return nil
}

// Registry is the immutable, ordered persona catalog.
type Registry struct {
	personas []Persona
	byName   map[string]Persona
}

// NewRegistry returns the registry of built-in personas.
func NewRegistry() *Registry {
	r, err := NewRegistryWith(builtinPersonas()...)
	if err != nil {
		// The built-in catalog is static data; failing here is a programming
		// error, not a runtime condition.
		panic("fingerprint: built-in catalog: " + err.Error())
	}
	return r
}

// NewRegistryWith builds a registry from the given personas, validating each
// one.  Used by tests that need a deterministic single-persona registry.
func NewRegistryWith(personas ...Persona) (*Registry, error) {
	if len(personas) == 0 {
		return nil, fmt.Errorf("fingerprint: registry needs at least one persona")
	}
	byName := make(map[string]Persona, len(personas))
	for _, p := range personas {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("fingerprint: duplicate persona %s", p.Name)
		}
		byName[p.Name] = p
	}
	return &Registry{personas: personas, byName: byName}, nil
}

// Random returns a uniformly chosen persona.  Used when an IP is bound for
// the first time; the binding cache locks the choice afterwards.
func (r *Registry) Random() Persona {
	return r.personas[rand.IntN(len(r.personas))]
}

// ByName returns the persona with the given name.
func (r *Registry) ByName(name string) (Persona, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// All returns the catalog in registry order.  The returned slice is a copy.
func (r *Registry) All() []Persona {
	out := make([]Persona, len(r.personas))
	copy(out, r.personas)
	return out
}

// Len returns the number of personas in the catalog.
func (r *Registry) Len() int { return len(r.personas) }

// Client-hint brand strings as emitted by the real builds.
const (
	chromeHints120 = `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`
	chromeHints131 = `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`
	edgeHints106   = `"Chromium";v="106", "Microsoft Edge";v="106", "Not;A=Brand";v="99"`
)

// Navigation Accept values per engine family.
const (
	acceptNavChromium = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
	acceptNavFirefox  = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	acceptNavWebKit   = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// builtinPersonas returns the full catalog.  User-Agent strings and hint
// values are taken from the corresponding real browser builds; keep them in
// lockstep with the HelloID when bumping versions.
func builtinPersonas() []Persona {
	return []Persona{
		{
			Name:            "chrome-120-win",
			HelloID:         utls.HelloChrome_120,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			SecChUA:         chromeHints120,
			SecChUAMobile:   "?0",
			SecChUAPlatform: `"Windows"`,
			AcceptLanguage:  "en-US,en;q=0.9",
			AcceptNavigate:  acceptNavChromium,
		},
		{
			Name:            "chrome-120-mac",
			HelloID:         utls.HelloChrome_120,
			UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			SecChUA:         chromeHints120,
			SecChUAMobile:   "?0",
			SecChUAPlatform: `"macOS"`,
			AcceptLanguage:  "en-US,en;q=0.9",
			AcceptNavigate:  acceptNavChromium,
		},
		{
			Name:            "chrome-120-linux",
			HelloID:         utls.HelloChrome_120,
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			SecChUA:         chromeHints120,
			SecChUAMobile:   "?0",
			SecChUAPlatform: `"Linux"`,
			AcceptLanguage:  "en-US,en;q=0.9",
			AcceptNavigate:  acceptNavChromium,
		},
		{
			Name:            "chrome-131-win",
			HelloID:         utls.HelloChrome_131,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			SecChUA:         chromeHints131,
			SecChUAMobile:   "?0",
			SecChUAPlatform: `"Windows"`,
			AcceptLanguage:  "en-US,en;q=0.9",
			AcceptNavigate:  acceptNavChromium,
		},
		{
			Name:            "chrome-131-mac",
			HelloID:         utls.HelloChrome_131,
			UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
			SecChUA:         chromeHints131,
			SecChUAMobile:   "?0",
			SecChUAPlatform: `"macOS"`,
			AcceptLanguage:  "en-US,en;q=0.9",
			AcceptNavigate:  acceptNavChromium,
		},
		{
			Name:            "edge-106-win",
			HelloID:         utls.HelloEdge_106,
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/106.0.0.0 Safari/537.36 Edg/106.0.1370.34",
			SecChUA:         edgeHints106,
			SecChUAMobile:   "?0",
			SecChUAPlatform: `"Windows"`,
			AcceptLanguage:  "en-US,en;q=0.9",
			AcceptNavigate:  acceptNavChromium,
		},
		{
			Name:           "firefox-120-win",
			HelloID:        utls.HelloFirefox_120,
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
			AcceptLanguage: "en-US,en;q=0.5",
			AcceptNavigate: acceptNavFirefox,
		},
		{
			Name:           "safari-16-mac",
			HelloID:        utls.HelloSafari_16_0,
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15",
			AcceptLanguage: "en-US,en;q=0.9",
			AcceptNavigate: acceptNavWebKit,
		},
		{
			Name:           "ios-safari-14",
			HelloID:        utls.HelloIOS_14,
			UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 14_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.1 Mobile/15E148 Safari/604.1",
			AcceptLanguage: "en-US,en;q=0.9",
			AcceptNavigate: acceptNavWebKit,
		},
	}
}
