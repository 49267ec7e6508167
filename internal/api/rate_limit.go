package api

import (
	"net/http"
	"strconv"
	"time"
)

// admit charges cost tokens to the caller. It writes a 429 and returns false
// when the bucket is empty. Limiter failures fail open.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, userID string, cost int) bool {
	if s.rateLimiter == nil {
		return true
	}

	route := routeLabel(r.URL.Path)
	subject := userID + ":" + route
	decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
	if err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Int("cost", cost).Msg("rate limiter check failed")
		return true
	}

	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	if decision.Allowed {
		return true
	}

	retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}
