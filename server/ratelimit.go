package server

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/kilnworks/kiln/config"
)

// rateLimiters holds one token bucket per authenticated user for the write
// endpoints. Buckets live for the process lifetime; the population is
// bounded by the tenant count.
type rateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

func newRateLimiters(cfg config.ServerConfig) *rateLimiters {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 30
	}
	return &rateLimiters{
		limiters: make(map[string]*rate.Limiter),
		perSec:   rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

// allow reports whether userID may perform a write right now.
func (rl *rateLimiters) allow(userID string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rl.perSec, rl.burst)
		rl.limiters[userID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}
