package client

import (
	"net/http"
)

type headerEntry struct {
	key   string
	value string
}

// OrderedHeader holds HTTP headers in insertion order with their exact
// casing.  http.Header is a map and loses both, while origins that profile
// clients check header order and casing against the claimed browser, so
// every outbound request is built through this type instead.
//
// Not safe for concurrent use.  Each request builds its own instance.
type OrderedHeader struct {
	entries []headerEntry
}

// Add appends key/value, keeping key's casing.  Repeated keys accumulate.
func (h *OrderedHeader) Add(key, value string) {
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Set replaces the first case-insensitive match in place, keeping its
// position in the order, and drops later duplicates.  Missing keys append.
func (h *OrderedHeader) Set(key, value string) {
	canon := http.CanonicalHeaderKey(key)
	replaced := false
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) != canon {
			out = append(out, e)
			continue
		}
		if !replaced {
			out = append(out, headerEntry{key: key, value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, headerEntry{key: key, value: value})
	}
	h.entries = out
}

// Del removes every case-insensitive match of key.
func (h *OrderedHeader) Del(key string) {
	canon := http.CanonicalHeaderKey(key)
	out := h.entries[:0]
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) != canon {
			out = append(out, e)
		}
	}
	h.entries = out
}

// Get returns the first case-insensitive match, or "".
func (h *OrderedHeader) Get(key string) string {
	canon := http.CanonicalHeaderKey(key)
	for _, e := range h.entries {
		if http.CanonicalHeaderKey(e.key) == canon {
			return e.value
		}
	}
	return ""
}

// Len returns the entry count, duplicates included.
func (h *OrderedHeader) Len() int { return len(h.entries) }

// Keys returns the header names in order.  Mostly for tests and logging.
func (h *OrderedHeader) Keys() []string {
	out := make([]string, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.key
	}
	return out
}

// Clone returns an independent copy.
func (h *OrderedHeader) Clone() *OrderedHeader {
	c := &OrderedHeader{entries: make([]headerEntry, len(h.entries))}
	copy(c.entries, h.entries)
	return c
}

// ApplyToRequest replaces req.Header with exactly these entries.  Keys are
// written into the map raw, bypassing CanonicalHeaderKey, so the casing
// chosen here is the casing HPACK encodes on the wire.  Multiple values of
// one key keep their relative order inside the key's slice; the builders in
// headers.go emit browser-cased lowercase keys, which is the signal origins
// actually profile on HTTP/2.
func (h *OrderedHeader) ApplyToRequest(req *http.Request) {
	req.Header = make(http.Header, len(h.entries))
	for _, e := range h.entries {
		req.Header[e.key] = append(req.Header[e.key], e.value)
	}
}
