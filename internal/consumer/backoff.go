package consumer

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/everclearorg/mark-sub008/internal/events"
)

const (
	backoffBase   = time.Second
	backoffCap    = 10 * time.Second
	backoffJitter = 0.2
)

// Backoff returns the delay before the given retry attempt (1-based):
// exponential base 2 from one second, capped at ten seconds, with ±20%
// jitter so synchronized retries spread out.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// transientPatterns match error text from RPC providers and HTTP clients
// that indicates a condition worth retrying.
var transientPatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"temporarily unavailable",
	"too many requests",
	"rate limit",
	"429",
	"500",
	"502",
	"503",
	"504",
	"blockhash not found",
	"block height exceeded",
}

// IsRetryable classifies a handler failure. Permanent failures (wrapping
// events.ErrPermanent) and nothing else are final; network-shaped errors
// and unknown errors are retried until the event's budget runs out.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, events.ErrPermanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	// Unknown failure: retrying is safe because submission is idempotent
	// through the purchase cache.
	return true
}
