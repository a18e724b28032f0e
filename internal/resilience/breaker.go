// Package resilience wraps the EvidenceExtractor consumed interface (§6.1)
// with a circuit breaker and a per-subject rate limiter, grounded on the
// teacher's root-level breaker wiring and its internal/net/ratelimit
// token-bucket limiter.
package resilience

import (
	"context"
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/extractor"
)

// BreakerSettings mirrors the teacher's breaker configuration: trip after 3
// consecutive failures or a >5% failure ratio over at least 20 requests in
// a 60s window, then stay open for 60s before probing again.
func BreakerSettings(name string) cb.Settings {
	return cb.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio > 0.05
		},
	}
}

// BreakingExtractor wraps an Extractor with a circuit breaker so a failing
// downstream connector (OAuth provider, OCR service) fails fast instead of
// blocking every submitEvidence call behind it.
type BreakingExtractor struct {
	inner   extractor.Extractor
	breaker *cb.CircuitBreaker
}

func NewBreakingExtractor(inner extractor.Extractor, name string) *BreakingExtractor {
	return &BreakingExtractor{
		inner:   inner,
		breaker: cb.NewCircuitBreaker(BreakerSettings(name)),
	}
}

func (b *BreakingExtractor) Extract(ctx context.Context, artifact domain.EvidenceArtifact) (*domain.Extracted, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Extract(ctx, artifact)
	})
	if err != nil {
		return nil, apperr.Extraction("extractor_unavailable", "evidence extractor circuit open or failing", err)
	}
	extracted, _ := result.(*domain.Extracted)
	return extracted, nil
}
