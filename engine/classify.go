package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/firasghr/GoEgressFleet/metrics"
)

// classifyStatus maps an origin status code to a failure kind.  A zero kind
// means the attempt succeeded: anything in 2xx/3xx/4xx counts as a usable
// answer from the origin except 403 and 429, which carry fleet semantics.
func classifyStatus(status int) (kind Kind, retryable bool) {
	switch {
	case status == http.StatusForbidden:
		return KindForbidden, false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusServiceUnavailable:
		return KindUnavailable, true
	case status >= 500:
		return KindServerError, true
	default:
		return "", false
	}
}

// classifyErr maps a transport error to TIMEOUT or NETWORK.
func classifyErr(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// errorClass maps a failure kind to its stats counter class.
func errorClass(kind Kind) metrics.ErrorClass {
	switch kind {
	case KindForbidden:
		return metrics.Err403
	case KindRateLimited:
		return metrics.Err429
	case KindUnavailable:
		return metrics.Err503
	case KindServerError:
		return metrics.Err5xx
	case KindTimeout:
		return metrics.ErrTimeout
	default:
		return metrics.ErrNetwork
	}
}

// backoffDelay computes the sleep before retrying attempt (0-based).  Rate
// limits honour an integer Retry-After when the origin sent one and otherwise
// back off harder than plain server errors; 503 sits in between.
func backoffDelay(kind Kind, attempt int, base time.Duration, retryAfter string) time.Duration {
	switch kind {
	case KindRateLimited:
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		return base << uint(attempt+2)
	case KindUnavailable:
		return base << uint(attempt+1)
	default:
		return base << uint(attempt)
	}
}
