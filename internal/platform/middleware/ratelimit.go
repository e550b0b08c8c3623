package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/ebp/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration. A non-positive
// RequestsPerSecond disables the limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
		s.limiters[key] = l
	}
	return l
}

// RateLimit applies a token bucket per caller. Callers are keyed by tenant
// and user when authentication has run, otherwise by client IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if cfg.BurstSize < 1 {
		cfg.BurstSize = int(math.Ceil(cfg.RequestsPerSecond))
	}
	store := &limiterStore{limiters: make(map[string]*rate.Limiter), cfg: cfg}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			l := store.get(rateLimitKey(c))
			c.Response().Header().Set("X-RateLimit-Limit", limitHeader)

			r := l.Reserve()
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				retry := int(math.Ceil(delay.Seconds()))
				c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
				c.Response().Header().Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests,
					fmt.Sprintf("rate limit exceeded, retry in %ds", retry))
			}
			return next(c)
		}
	}
}

func rateLimitKey(c echo.Context) string {
	tenant, _ := c.Get("jwt_tenant_id").(string)
	user := auth.UserIDFromContext(c.Request().Context())
	if user != "" {
		return tenant + ":" + user
	}
	return tenant + ":" + c.RealIP()
}
