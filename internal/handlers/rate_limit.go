package handlers

import (
	"sync"

	"golang.org/x/time/rate"
)

// TenantLimiter throttles job submissions per tenant
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTenantLimiter returns nil when perSecond <= 0, which disables throttling
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &TenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether tenant may submit now
func (l *TenantLimiter) Allow(tenant string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.limiters[tenant]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
