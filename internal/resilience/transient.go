package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
)

var transientFragments = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"429",
	"500 internal server error",
	"502 bad gateway",
	"503 service unavailable",
	"529",
	"overloaded",
}

// IsTransient reports whether err looks like an upstream outage rather than
// a bad request. Cancellation by the caller is not transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, f := range transientFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}
