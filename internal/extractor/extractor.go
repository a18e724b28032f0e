// Package extractor implements the EvidenceExtractor consumed interface
// (§6.1): a pure function from a raw evidence artifact to structured,
// opaque Extracted data. The orchestrator treats failures here as
// recoverable (§7e) — evidence is still persisted with extracted=nil.
package extractor

import (
	"context"

	"github.com/sawpanic/scoreengine/internal/domain"
)

// Extractor turns a raw evidence reference into structured fields. Real
// implementations call out to a document OCR service, an OAuth connector's
// API, or a webhook payload parser; Noop is the synchronous stub used when
// no such backend is wired yet.
type Extractor interface {
	Extract(ctx context.Context, artifact domain.EvidenceArtifact) (*domain.Extracted, error)
}

// Noop never extracts anything. submitEvidence still proceeds using
// type-based matching and boosts only, per §7e.
type Noop struct{}

func (Noop) Extract(ctx context.Context, artifact domain.EvidenceArtifact) (*domain.Extracted, error) {
	return nil, nil
}
