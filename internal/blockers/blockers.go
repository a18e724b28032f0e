// Package blockers implements BlockerEngine (§4.3): five named rules,
// evaluated in declaration order against the current feature set and
// DeltaComputer's top-movers, each firing at most once per recomputation.
package blockers

import (
	"sort"

	"github.com/sawpanic/scoreengine/internal/config"
	"github.com/sawpanic/scoreengine/internal/domain"
)

const (
	identityVerificationFloor = 0.35
	evidenceVerificationFloor = 0.35
	evidenceDeltaFloor        = 1.5
	recencyWeightFloor        = 2.0
	recencyFreshnessFloor     = 0.4

	flagInconsistentClaims       = "inconsistent_claims"
	flagMissingRequiredConnector = "missing_required_connector"
)

// Engine is BlockerEngine. Stateless; cfg supplies the per-rule message/
// fix-path copy.
type Engine struct {
	cfg *config.EngineConfig
}

func NewEngine(cfg *config.EngineConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs the five rules against the current feature set and
// topMovers (DeltaComputer's output), returning firing blockers in
// declaration order. freshness carries each feature's freshness as already
// resolved by the caller (SnapshotStore, via algebra.Resolve against "now")
// — BlockerEngine never computes freshness itself.
func (e *Engine) Evaluate(
	features map[domain.FeatureID]domain.Feature,
	topMovers []domain.FeatureContribution,
	freshness map[domain.FeatureID]float64,
) []domain.BlockingFactor {
	var out []domain.BlockingFactor

	if bf, ok := e.identityNotVerified(features); ok {
		out = append(out, bf)
	}
	if bf, ok := e.evidenceInsufficient(topMovers); ok {
		out = append(out, bf)
	}
	if bf, ok := e.recencyGap(features, freshness); ok {
		out = append(out, bf)
	}
	if bf, ok := e.inconsistencyDetected(features); ok {
		out = append(out, bf)
	}
	if bf, ok := e.missingRequiredConnectors(features); ok {
		out = append(out, bf)
	}

	return out
}

func (e *Engine) message(id domain.BlockerID) (string, string) {
	if e.cfg != nil {
		if m, ok := e.cfg.Blockers[id]; ok {
			return m.Message, m.FixPath
		}
	}
	return "", ""
}

func (e *Engine) identityNotVerified(features map[domain.FeatureID]domain.Feature) (domain.BlockingFactor, bool) {
	var sum float64
	var n int
	var affected []domain.FeatureID
	for _, id := range domain.IdentityFeatures {
		f, ok := features[id]
		if !ok {
			continue
		}
		sum += f.Verification
		n++
		affected = append(affected, id)
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}
	if mean >= identityVerificationFloor {
		return domain.BlockingFactor{}, false
	}
	msg, fix := e.message(domain.BlockerIdentityNotVerified)
	return domain.BlockingFactor{
		ID:               domain.BlockerIdentityNotVerified,
		Severity:         domain.SeverityHard,
		Message:          msg,
		FixPath:          fix,
		AffectedFeatures: affected,
	}, true
}

func (e *Engine) evidenceInsufficient(topMovers []domain.FeatureContribution) (domain.BlockingFactor, bool) {
	var affected []domain.FeatureID
	for _, m := range topMovers {
		if m.Next.Verification < evidenceVerificationFloor && absF(m.Delta) > evidenceDeltaFloor {
			affected = append(affected, m.FeatureID)
		}
	}
	if len(affected) == 0 {
		return domain.BlockingFactor{}, false
	}
	msg, fix := e.message(domain.BlockerEvidenceInsufficient)
	return domain.BlockingFactor{
		ID:               domain.BlockerEvidenceInsufficient,
		Severity:         domain.SeveritySoft,
		Message:          msg,
		FixPath:          fix,
		AffectedFeatures: affected,
	}, true
}

func (e *Engine) recencyGap(features map[domain.FeatureID]domain.Feature, freshness map[domain.FeatureID]float64) (domain.BlockingFactor, bool) {
	fires := false
	var affected []domain.FeatureID
	for id, f := range features {
		fresh := freshness[id]
		if fresh < recencyFreshnessFloor {
			affected = append(affected, id)
			if f.Weight >= recencyWeightFloor {
				fires = true
			}
		}
	}
	if !fires {
		return domain.BlockingFactor{}, false
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	msg, fix := e.message(domain.BlockerRecencyGap)
	return domain.BlockingFactor{
		ID:               domain.BlockerRecencyGap,
		Severity:         domain.SeveritySoft,
		Message:          msg,
		FixPath:          fix,
		AffectedFeatures: affected,
	}, true
}

func (e *Engine) inconsistencyDetected(features map[domain.FeatureID]domain.Feature) (domain.BlockingFactor, bool) {
	affected := featuresWithFlag(features, flagInconsistentClaims)
	if len(affected) == 0 {
		return domain.BlockingFactor{}, false
	}
	msg, fix := e.message(domain.BlockerInconsistencyDetected)
	return domain.BlockingFactor{
		ID:               domain.BlockerInconsistencyDetected,
		Severity:         domain.SeverityHard,
		Message:          msg,
		FixPath:          fix,
		AffectedFeatures: affected,
	}, true
}

func (e *Engine) missingRequiredConnectors(features map[domain.FeatureID]domain.Feature) (domain.BlockingFactor, bool) {
	affected := featuresWithFlag(features, flagMissingRequiredConnector)
	if len(affected) == 0 {
		return domain.BlockingFactor{}, false
	}
	msg, fix := e.message(domain.BlockerMissingRequiredConnectors)
	return domain.BlockingFactor{
		ID:               domain.BlockerMissingRequiredConnectors,
		Severity:         domain.SeveritySoft,
		Message:          msg,
		FixPath:          fix,
		AffectedFeatures: affected,
	}, true
}

func featuresWithFlag(features map[domain.FeatureID]domain.Feature, flag string) []domain.FeatureID {
	var affected []domain.FeatureID
	for id, f := range features {
		if f.Raw.HasFlag(flag) {
			affected = append(affected, id)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
