// Package delta implements DeltaComputer (§4.2): given prev and next feature
// maps, compute per-feature contribution deltas, totals, change reasons, and
// an ordered top-movers list. Pure and deterministic — identical inputs
// produce byte-identical output, the way the teacher's explain/delta
// Comparator compares baseline vs. current factor snapshots.
package delta

import (
	"math"
	"sort"
	"time"

	"github.com/sawpanic/scoreengine/internal/algebra"
	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
)

const reasonEpsilon = 0.05
const weightEpsilon = 1e-6

// Computer is DeltaComputer. It holds no state; NewComputer exists only to
// match the component-per-struct shape used throughout the engine.
type Computer struct{}

func NewComputer() *Computer { return &Computer{} }

// Compute runs the §4.2 algorithm against prev and next feature maps as of
// asOf, using cfg for clamps and top_n.
func (c *Computer) Compute(
	prev, next map[domain.FeatureID]domain.Feature,
	cfg *config.EngineConfig,
	asOf time.Time,
) domain.DeltaResult {
	ids := unionKeys(prev, next)

	contributions := make([]domain.FeatureContribution, 0, len(ids))
	var prevTotalRaw, nextTotalRaw float64

	for _, id := range ids {
		prevFeature, prevPresent := prev[id]
		nextFeature, nextPresent := next[id]

		var prevParts, nextParts algebra.Parts
		if prevPresent {
			prevParts = algebra.Resolve(&prevFeature, cfg, asOf)
		}
		if nextPresent {
			nextParts = algebra.Resolve(&nextFeature, cfg, asOf)
		}

		prevContrib := prevParts.Contribution()
		nextContrib := nextParts.Contribution()
		prevTotalRaw += prevContrib
		nextTotalRaw += nextContrib

		reasons := changeReasons(prevPresent, nextPresent, prevParts, nextParts)

		contributions = append(contributions, domain.FeatureContribution{
			FeatureID: id,
			Prev: domain.FeatureParts{
				Weight: prevParts.Weight, Norm: prevParts.Norm, Confidence: prevParts.Confidence,
				Verification: prevParts.Verification, Freshness: prevParts.Freshness, Contribution: prevContrib,
			},
			Next: domain.FeatureParts{
				Weight: nextParts.Weight, Norm: nextParts.Norm, Confidence: nextParts.Confidence,
				Verification: nextParts.Verification, Freshness: nextParts.Freshness, Contribution: nextContrib,
			},
			Delta:   nextContrib - prevContrib,
			Reasons: reasons,
		})
	}

	sort.Slice(contributions, func(i, j int) bool {
		di, dj := math.Abs(contributions[i].Delta), math.Abs(contributions[j].Delta)
		if di != dj {
			return di > dj
		}
		return contributions[i].FeatureID < contributions[j].FeatureID
	})

	prevTotal := algebra.Clamp(prevTotalRaw, cfg.ClampMin, cfg.ClampMax)
	nextTotal := algebra.Clamp(nextTotalRaw, cfg.ClampMin, cfg.ClampMax)

	topN := cfg.TopN
	if topN > len(contributions) {
		topN = len(contributions)
	}
	topMovers := make([]domain.FeatureContribution, topN)
	copy(topMovers, contributions[:topN])

	return domain.DeltaResult{
		PrevTotal:     prevTotal,
		NextTotal:     nextTotal,
		DeltaTotal:    nextTotal - prevTotal,
		Contributions: contributions,
		TopMovers:     topMovers,
	}
}

func unionKeys(a, b map[domain.FeatureID]domain.Feature) []domain.FeatureID {
	seen := make(map[domain.FeatureID]struct{}, len(a)+len(b))
	ids := make([]domain.FeatureID, 0, len(a)+len(b))
	for id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func changeReasons(prevPresent, nextPresent bool, prevParts, nextParts algebra.Parts) []domain.ChangeReason {
	if !prevPresent && nextPresent {
		return []domain.ChangeReason{domain.ReasonNewFeatureAdded}
	}
	if prevPresent && !nextPresent {
		return []domain.ChangeReason{domain.ReasonFeatureRemoved}
	}
	if !prevPresent && !nextPresent {
		return nil
	}

	var reasons []domain.ChangeReason
	if math.Abs(nextParts.Norm-prevParts.Norm) > reasonEpsilon {
		reasons = append(reasons, domain.ReasonSignalStrengthChanged)
	}
	if math.Abs(nextParts.Confidence-prevParts.Confidence) > reasonEpsilon {
		reasons = append(reasons, domain.ReasonConfidenceChanged)
	}
	if math.Abs(nextParts.Verification-prevParts.Verification) > reasonEpsilon {
		reasons = append(reasons, domain.ReasonVerificationChanged)
	}
	if math.Abs(nextParts.Freshness-prevParts.Freshness) > reasonEpsilon {
		reasons = append(reasons, domain.ReasonFreshnessChanged)
	}
	if math.Abs(nextParts.Weight-prevParts.Weight) > weightEpsilon {
		reasons = append(reasons, domain.ReasonWeightChanged)
	}
	return reasons
}
