package engine

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// maxBodySize caps how much of an origin response the engine will buffer.
// Tile payloads are a few hundred KB; anything near this limit is a broken
// or hostile origin.
const maxBodySize = 64 << 20

// decompress inflates body according to the Content-Encoding the origin
// declared.  The fleet advertises "gzip, deflate, br" on every request, so
// these three are the only encodings a well-behaved origin can answer with.
// Unknown encodings pass through untouched rather than failing the fetch.
func decompress(encoding string, body []byte) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("engine: gzip reader: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("engine: gunzip: %w", err)
		}
		return out, nil
	case "br":
		out, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(body)), maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("engine: brotli: %w", err)
		}
		return out, nil
	case "deflate":
		// Origins disagree on whether "deflate" means zlib-wrapped or raw
		// DEFLATE streams.  Try zlib first, fall back to raw.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			out, err := io.ReadAll(io.LimitReader(zr, maxBodySize))
			if err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		out, err := io.ReadAll(io.LimitReader(fr, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("engine: inflate: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}
