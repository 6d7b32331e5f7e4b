package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type sessionLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet hands out one token bucket per session id.
type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*sessionLimiter
	lastGC   time.Time
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst <= 0 {
		burst = 1
	}
	return &limiterSet{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*sessionLimiter),
		lastGC:   time.Now(),
	}
}

// allow reports whether another publish for sessionID may proceed now.
func (s *limiterSet) allow(sessionID string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastGC) > limiterIdleTTL {
		for id, l := range s.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(s.limiters, id)
			}
		}
		s.lastGC = now
	}

	l, ok := s.limiters[sessionID]
	if !ok {
		l = &sessionLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[sessionID] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}
