package resilience_test

import (
	"context"
	"errors"
	"testing"

	cb "github.com/sony/gobreaker"

	"github.com/sawpanic/scoreengine/internal/apperr"
	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/resilience"
)

type failingExtractor struct{ err error }

func (f failingExtractor) Extract(ctx context.Context, artifact domain.EvidenceArtifact) (*domain.Extracted, error) {
	return nil, f.err
}

func TestBreakingExtractor_TripsAfterConsecutiveFailures(t *testing.T) {
	inner := failingExtractor{err: errors.New("upstream unavailable")}
	be := resilience.NewBreakingExtractor(inner, "test-extractor")

	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = be.Extract(context.Background(), domain.EvidenceArtifact{ID: "ev-1"})
		if lastErr == nil {
			t.Fatalf("call %d: expected error, got nil", i)
		}
	}
	if !apperr.Is(lastErr, apperr.CategoryExtraction) {
		t.Fatalf("expected extraction category error, got %v", lastErr)
	}
	if !errors.Is(lastErr, cb.ErrOpenState) {
		t.Fatalf("expected breaker to be open after consecutive failures, got %v", lastErr)
	}
}

func TestSubjectLimiter_AllowsWithinBurst(t *testing.T) {
	l := resilience.NewSubjectLimiter(1, 2)
	if !l.Allow("sub-1") {
		t.Fatalf("first call should be allowed")
	}
	if !l.Allow("sub-1") {
		t.Fatalf("second call (within burst) should be allowed")
	}
}

func TestSubjectLimiter_IndependentPerSubject(t *testing.T) {
	l := resilience.NewSubjectLimiter(0.001, 1)
	if !l.Allow("sub-a") {
		t.Fatalf("sub-a first call should be allowed")
	}
	if !l.Allow("sub-b") {
		t.Fatalf("sub-b should have its own independent bucket")
	}
}
