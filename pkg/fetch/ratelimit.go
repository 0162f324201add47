package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter spaces requests to the same host by at least the configured delay
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter // host -> limiter
	delay    time.Duration
	log      *logrus.Entry
}

// NewRateLimiter creates a RateLimiter. A delay <= 0 disables limiting.
func NewRateLimiter(delay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		delay:    delay,
		log:      log,
	}
}

func (rl *RateLimiter) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(rl.delay), 1)
		rl.limiters[host] = l
	}
	return l
}

// Wait blocks until a request to host is allowed or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, host string) error {
	if rl == nil || rl.delay <= 0 {
		return nil
	}
	l := rl.limiter(host)
	r := l.Reserve()
	wait := r.Delay()
	if wait == 0 {
		return nil
	}
	rl.log.WithFields(logrus.Fields{"host": host, "sleep": wait, "required_delay": rl.delay}).Debug("Rate limit applying sleep")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Len returns the number of hosts seen so far
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
