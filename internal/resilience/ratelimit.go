// Rate limiting adapted from the teacher's internal/net/ratelimit.Limiter:
// a token-bucket per key, backed by golang.org/x/time/rate. The teacher
// rate-limits per upstream host; this engine rate-limits per subject, to
// bound how fast any one startup's evidence intake can drive extractor
// calls.
package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// SubjectLimiter hands out one *rate.Limiter per subject, created lazily on
// first use with the configured rate and burst.
type SubjectLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func NewSubjectLimiter(rps float64, burst int) *SubjectLimiter {
	return &SubjectLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *SubjectLimiter) forSubject(subject string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[subject]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[subject] = lim
	}
	return lim
}

// Allow reports whether subject has a token available right now, consuming
// it if so. Callers use this to reject (not block) a burst of evidence
// intake rather than stalling a request handler.
func (l *SubjectLimiter) Allow(subject string) bool {
	return l.forSubject(subject).Allow()
}
