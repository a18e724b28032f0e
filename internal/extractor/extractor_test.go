package extractor_test

import (
	"context"
	"testing"

	"github.com/sawpanic/scoreengine/internal/domain"
	"github.com/sawpanic/scoreengine/internal/extractor"
)

func TestNoop_AlwaysReturnsNil(t *testing.T) {
	var e extractor.Extractor = extractor.Noop{}
	got, err := e.Extract(context.Background(), domain.EvidenceArtifact{ID: "ev-1"})
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if got != nil {
		t.Fatalf("Extract = %+v, want nil", got)
	}
}
