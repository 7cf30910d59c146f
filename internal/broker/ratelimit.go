package broker

import (
	"sync"

	"github.com/vaultwright/secretcore/infrastructure/ratelimit"
)

// perPrincipalLimiters lazily creates one token-bucket limiter per
// principal, so each caller is throttled independently rather than
// sharing one global bucket.
type perPrincipalLimiters struct {
	mu       sync.Mutex
	limiters map[string]*ratelimit.RateLimiter
	cfg      ratelimit.RateLimitConfig
}

func newPerPrincipalLimiters(rps float64, burst int) *perPrincipalLimiters {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = int(rps * 2)
	}
	return &perPrincipalLimiters{
		limiters: make(map[string]*ratelimit.RateLimiter),
		cfg:      ratelimit.RateLimitConfig{RequestsPerSecond: rps, Burst: burst},
	}
}

func (p *perPrincipalLimiters) allow(principal string) bool {
	p.mu.Lock()
	l, ok := p.limiters[principal]
	if !ok {
		l = ratelimit.New(p.cfg)
		p.limiters[principal] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
