// Evidence↔Action matching, §4.5.1: candidate actions are scored against an
// evidence artifact and returned in descending order.
package verification

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sawpanic/scoreengine/internal/domain"
)

const candidateWindow = 30 * 24 * time.Hour

// requirementFamilySatisfies reports whether an evidence type satisfies a
// requirement by family (the "+5 otherwise" case of §4.5.1): upload-family
// evidence loosely matches upload requirements, link-family matches link
// requirements, and so on, without the stronger exact-provider match below.
func requirementFamilySatisfies(evType domain.EvidenceType, req domain.Requirement) bool {
	switch req.Kind {
	case "upload":
		return evType == domain.EvidenceDocumentUpload
	case "link":
		return evType == domain.EvidencePublicLink
	case "connect":
		return evType == domain.EvidenceOAuthConnector || evType == domain.EvidenceWebhookEvent || evType == domain.EvidenceBankTransaction
	case "review":
		return evType == domain.EvidenceManualReviewNote
	}
	return false
}

// exactMatch is the stronger "+10" match: the evidence type matches a plan
// requirement AND (for connect requirements) the provider named in ref
// matches the requirement's value.
func exactMatch(evType domain.EvidenceType, ref string, req domain.Requirement) bool {
	switch {
	case req.Kind == "connect" && evType == domain.EvidenceOAuthConnector:
		return strings.EqualFold(ref, req.Value) || strings.Contains(strings.ToLower(ref), strings.ToLower(req.Value))
	case req.Kind == "upload" && evType == domain.EvidenceDocumentUpload:
		return true
	case req.Kind == "link" && evType == domain.EvidencePublicLink:
		return true
	}
	return false
}

func containsFold(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	a, b = strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func withinPercent(a, b, pct float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) <= pct
}

// scoreCandidate implements §4.5.1's scoring rules for one action against
// one evidence artifact.
func scoreCandidate(action domain.ActionEvent, evType domain.EvidenceType, ref string, extracted *domain.Extracted) int {
	score := 0

	bestKindMatch := false
	bestFamilyMatch := false
	for _, req := range action.VerificationPlan.Requirements {
		if exactMatch(evType, ref, req) {
			bestKindMatch = true
		} else if requirementFamilySatisfies(evType, req) {
			bestFamilyMatch = true
		}
	}
	switch {
	case bestKindMatch:
		score += 10
	case bestFamilyMatch:
		score += 5
	}

	if extracted != nil {
		if containsFold(extracted.Entities.Customer, action.Fields.CustomerName) {
			score += 8
		}
		if extracted.Amounts.USD != nil && action.Fields.MRRDeltaUSD != nil {
			if withinPercent(*extracted.Amounts.USD, *action.Fields.MRRDeltaUSD, 0.20) {
				score += 10
			}
		}
	}

	return score
}

// MatchEvidence scores candidates (status pending/provisional_applied,
// occurred_at within the last 30 days) and returns those with score > 0,
// sorted descending, ties broken by action id for determinism.
func MatchEvidence(
	candidates []domain.ActionEvent,
	now time.Time,
	evType domain.EvidenceType,
	ref string,
	extracted *domain.Extracted,
) []domain.ActionEvent {
	type scored struct {
		action domain.ActionEvent
		score  int
	}
	var results []scored
	cutoff := now.Add(-candidateWindow)
	for _, a := range candidates {
		if a.OccurredAt.Before(cutoff) {
			continue
		}
		if s := scoreCandidate(a, evType, ref, extracted); s > 0 {
			results = append(results, scored{action: a, score: s})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].action.ID < results[j].action.ID
	})
	out := make([]domain.ActionEvent, len(results))
	for i, r := range results {
		out[i] = r.action
	}
	return out
}
