package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateLimitWindow          = time.Minute
)

// RateLimit counts requests per API key in a fixed one-minute window.
type RateLimit struct {
	cache          cache.Cache
	requestsPerMin int
	now            func() time.Time
}

func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, requestsPerMin: requestsPerMin, now: time.Now}
}

// Limit applies rate limiting based on the key_prefix set by auth middleware.
// Streaming endpoints count once, when the stream is opened.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), rateLimitWindow)
		if err != nil {
			// Fail open: an unavailable cache must not take the API down.
			slog.Warn("rate limit check failed", "prefix", prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := rl.requestsPerMin - int(count)
		if remaining < 0 {
			remaining = 0
		}
		reset := rl.now().Add(rateLimitWindow).Unix()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMin))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if count > int64(rl.requestsPerMin) {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitWindow.Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
