package api

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/fleet-net/comply-mon/control-plane/internal/config"
)

// machineLimiter applies a token-bucket rate limit per machine so one noisy
// agent can't crowd out the rest of the fleet.
type machineLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newMachineLimiter() *machineLimiter {
	return &machineLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(config.IngestRatePerMachine),
		burst:    config.IngestBurstPerMachine,
	}
}

func (l *machineLimiter) allow(machineID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[machineID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[machineID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
