package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/principal"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
)

// RateLimit admits relay connections per principal. The permit is held for
// the lifetime of the wrapped handler, which for an upgraded socket is the
// whole session.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if isHealthPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.AcquireWSSession(principal.LimitKey(r, cfg.TrustProxyHeaders), time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit(dec.Reason)
			reqID, _ := RequestIDFrom(r.Context())
			apierror.WriteRetryAfter(w, "rate limit exceeded", reqID, dec.RetryAfter)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}
