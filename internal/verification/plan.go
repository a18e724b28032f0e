// VerificationOrchestrator intake planning: verification-plan computation
// from (type, impact_guess, fields), and the ACTION_FEATURE_MAP closed
// mapping driving both provisional and verified lifts.
package verification

import (
	"math"

	"github.com/sawpanic/scoreengine/internal/domain"
)

// ActionFeatureMap is the closed mapping from an action type to the
// features its lifts touch. Types absent from the map fall back to
// []FeatureID{founder_velocity}.
var ActionFeatureMap = map[domain.ActionType][]domain.FeatureID{
	domain.ActionRevenue:     {domain.FeatureTraction, domain.FeatureCapitalConvergence},
	domain.ActionProduct:     {domain.FeatureProductQuality},
	domain.ActionHiring:      {domain.FeatureTeamStrength, domain.FeatureFounderVelocity},
	domain.ActionFunding:     {domain.FeatureInvestorIntent, domain.FeatureCapitalConvergence},
	domain.ActionPartnership: {domain.FeatureCapitalConvergence, domain.FeatureMarketBeliefShift},
	domain.ActionPress:       {domain.FeatureMarketBeliefShift},
	domain.ActionMilestone:   {domain.FeatureTraction},
}

func actionFeatures(t domain.ActionType) []domain.FeatureID {
	if ids, ok := ActionFeatureMap[t]; ok {
		return ids
	}
	return []domain.FeatureID{domain.FeatureFounderVelocity}
}

// baseRequirements gives the verification-plan requirements seeded by
// action type alone, before the impact and amount adjustments below.
func baseRequirements(t domain.ActionType) []domain.Requirement {
	switch t {
	case domain.ActionRevenue:
		return []domain.Requirement{{Kind: "connect", Value: "stripe"}, {Kind: "upload", Value: "invoice"}}
	case domain.ActionProduct:
		return []domain.Requirement{{Kind: "link", Value: "release_notes"}, {Kind: "connect", Value: "github"}}
	case domain.ActionHiring:
		return []domain.Requirement{{Kind: "upload", Value: "offer_letter"}, {Kind: "link", Value: "linkedin"}}
	case domain.ActionFunding:
		return []domain.Requirement{{Kind: "upload", Value: "term_sheet"}, {Kind: "connect", Value: "plaid"}}
	case domain.ActionPartnership:
		return []domain.Requirement{{Kind: "upload", Value: "contract"}}
	case domain.ActionPress:
		return []domain.Requirement{{Kind: "link", Value: "press"}}
	default:
		return []domain.Requirement{{Kind: "review", Value: "light"}}
	}
}

func hasRequirement(reqs []domain.Requirement, kind, value string) bool {
	for _, r := range reqs {
		if r.Kind == kind && (value == "" || r.Value == value) {
			return true
		}
	}
	return false
}

// ComputeVerificationPlan implements §4.5 intake step 1.
func ComputeVerificationPlan(t domain.ActionType, impact domain.ImpactGuess, fields domain.ActionFields) domain.VerificationPlan {
	reqs := append([]domain.Requirement{}, baseRequirements(t)...)

	if impact == domain.ImpactHigh && !hasRequirement(reqs, "review", "") {
		reqs = append(reqs, domain.Requirement{Kind: "review", Value: "standard"})
	}
	if fields.MRRDeltaUSD != nil && math.Abs(*fields.MRRDeltaUSD) >= 10000 && !hasRequirement(reqs, "connect", "plaid") {
		reqs = append(reqs, domain.Requirement{Kind: "connect", Value: "plaid"})
	}

	var target float64
	var windowDays int
	switch impact {
	case domain.ImpactHigh:
		target, windowDays = 0.90, 7
	case domain.ImpactMedium:
		target, windowDays = 0.85, 14
	default:
		target, windowDays = 0.75, 14
	}

	return domain.VerificationPlan{
		Requirements:           reqs,
		TargetVerification:     target,
		VerificationWindowDays: windowDays,
	}
}

// provisionalImpactMultiplier is §4.5 intake step 4's impactMultiplier.
func provisionalImpactMultiplier(impact domain.ImpactGuess) float64 {
	switch impact {
	case domain.ImpactLow:
		return 0.15
	case domain.ImpactMedium:
		return 0.25
	case domain.ImpactHigh:
		return 0.35
	default:
		return 0.15
	}
}

// verifiedImpactMultiplier is §4.5.3's impactMultiplier.
func verifiedImpactMultiplier(impact domain.ImpactGuess) float64 {
	switch impact {
	case domain.ImpactLow:
		return 0.5
	case domain.ImpactMedium:
		return 1.0
	case domain.ImpactHigh:
		return 1.5
	default:
		return 0.5
	}
}
