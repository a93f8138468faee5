package client

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/firasghr/GoEgressFleet/fingerprint"
)

// acceptEncoding is advertised on every request.  The engine decompresses
// bodies itself, so all three codings a browser offers are safe to accept.
const acceptEncoding = "gzip, deflate, br"

// NavigationHeaders returns the header set a browser sends on a top-level
// document navigation, in the order p's browser family emits them.  Used for
// session bootstrap against the home page.
//
// Names are lowercase throughout: the transport is HTTP/2-only and HPACK
// encodes lowercase names, so this is exactly what appears on the wire.
func NavigationHeaders(p fingerprint.Persona) *OrderedHeader {
	h := &OrderedHeader{}
	if p.IsChromium() {
		h.Add("sec-ch-ua", p.SecChUA)
		h.Add("sec-ch-ua-mobile", p.SecChUAMobile)
		h.Add("sec-ch-ua-platform", p.SecChUAPlatform)
	}
	h.Add("upgrade-insecure-requests", "1")
	h.Add("user-agent", p.UserAgent)
	h.Add("accept", p.AcceptNavigate)
	h.Add("sec-fetch-site", "none")
	h.Add("sec-fetch-mode", "navigate")
	h.Add("sec-fetch-user", "?1")
	h.Add("sec-fetch-dest", "document")
	h.Add("accept-encoding", acceptEncoding)
	h.Add("accept-language", p.AcceptLanguage)
	return h
}

// XHROptions shapes the header set for a data request issued from a page.
type XHROptions struct {
	// TargetHost is the host of the URL being fetched, used to derive
	// sec-fetch-site relative to the referring page.
	TargetHost string

	// Referer is the full URL of the page the fetch pretends to come from.
	// Empty omits the referer header and reports same-origin.
	Referer string

	// Origin, when set, is sent as the origin header (scheme://host of the
	// referring page).
	Origin string

	// DNT adds the do-not-track header.  Whether a binding sends it is
	// decided once at persona assignment and never changes afterwards.
	DNT bool
}

// XHRHeaders returns the header set of a fetch()-style data request, in the
// order p's browser family emits them.  Data requests always carry the
// no-cache pair, leading the block the way a cache-bypassing reload does.
func XHRHeaders(p fingerprint.Persona, o XHROptions) *OrderedHeader {
	h := &OrderedHeader{}
	h.Add("pragma", "no-cache")
	h.Add("cache-control", "no-cache")
	if p.IsChromium() {
		h.Add("sec-ch-ua", p.SecChUA)
		h.Add("sec-ch-ua-mobile", p.SecChUAMobile)
		h.Add("sec-ch-ua-platform", p.SecChUAPlatform)
	}
	h.Add("user-agent", p.UserAgent)
	h.Add("accept", "*/*")
	if o.DNT {
		h.Add("dnt", "1")
	}
	if o.Origin != "" {
		h.Add("origin", o.Origin)
	}
	h.Add("sec-fetch-site", fetchSite(o.TargetHost, o.Referer))
	h.Add("sec-fetch-mode", "cors")
	h.Add("sec-fetch-dest", "empty")
	if o.Referer != "" {
		h.Add("referer", o.Referer)
	}
	h.Add("accept-encoding", acceptEncoding)
	h.Add("accept-language", p.AcceptLanguage)
	return h
}

// fetchSite classifies the target host relative to the referring page the
// way browsers populate sec-fetch-site: same host is same-origin, same
// registrable domain is same-site, anything else is cross-site.
func fetchSite(target, referer string) string {
	if referer == "" {
		return "same-origin"
	}
	ru, err := url.Parse(referer)
	if err != nil || ru.Hostname() == "" {
		return "cross-site"
	}
	rh := ru.Hostname()
	if strings.EqualFold(rh, target) {
		return "same-origin"
	}
	rSite, rErr := publicsuffix.EffectiveTLDPlusOne(rh)
	tSite, tErr := publicsuffix.EffectiveTLDPlusOne(target)
	if rErr == nil && tErr == nil && rSite == tSite {
		return "same-site"
	}
	return "cross-site"
}
