package resource

import (
	"encoding/json"

	"github.com/skein-sh/skein/pkg/types"
)

// EmptyAffinityKey is the fairness key for requests with no resource
// affinity. An empty-affinity pending item conflicts with everything
// because it would consume any unit.
const EmptyAffinityKey = "empty"

// AffinityKey serializes an affinity message into a stable string used
// by the fairness policy's pending bookkeeping. Selector slices keep
// their order, so equal messages serialize equally.
func AffinityKey(aff *types.Affinity) string {
	if aff.Empty() {
		return EmptyAffinityKey
	}
	b, err := json.Marshal(aff)
	if err != nil {
		return EmptyAffinityKey
	}
	return string(b)
}

// matchExpression evaluates one label predicate against a multiset.
func matchExpression(expr types.Expression, labels Labels) bool {
	switch expr.Op {
	case types.SelectorOpExists:
		return labels.Has(expr.Key)
	case types.SelectorOpNotExists:
		return !labels.Has(expr.Key)
	case types.SelectorOpIn:
		for _, v := range expr.Values {
			if labels.HasValue(expr.Key, v) {
				return true
			}
		}
		return false
	case types.SelectorOpNotIn:
		for _, v := range expr.Values {
			if labels.HasValue(expr.Key, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// matchSubCondition requires every expression in the clause to hold.
func matchSubCondition(sc types.SubCondition, labels Labels) bool {
	for _, expr := range sc.Expressions {
		if !matchExpression(expr, labels) {
			return false
		}
	}
	return len(sc.Expressions) > 0
}

// MatchSelector evaluates a selector: sub-conditions are disjunctive,
// expressions within one are conjunctive. A nil selector matches.
func MatchSelector(sel *types.Selector, labels Labels) bool {
	if sel == nil || len(sel.SubConditions) == 0 {
		return true
	}
	for _, sc := range sel.SubConditions {
		if matchSubCondition(sc, labels) {
			return true
		}
	}
	return false
}

// selectorWeight sums the weights of matching sub-conditions. A
// sub-condition without an explicit weight counts 1.
func selectorWeight(sel *types.Selector, labels Labels) int32 {
	if sel == nil {
		return 0
	}
	var score int32
	for _, sc := range sel.SubConditions {
		if matchSubCondition(sc, labels) {
			if sc.Weight > 0 {
				score += sc.Weight
			} else {
				score++
			}
		}
	}
	return score
}

// selectorAvoidWeight rewards the absence of matches: each
// sub-condition that does not match contributes its weight. Used for
// preferred anti-affinity so scores stay non-negative and -1 remains
// the unmet-required sentinel.
func selectorAvoidWeight(sel *types.Selector, labels Labels) int32 {
	if sel == nil {
		return 0
	}
	var score int32
	for _, sc := range sel.SubConditions {
		if !matchSubCondition(sc, labels) {
			if sc.Weight > 0 {
				score += sc.Weight
			} else {
				score++
			}
		}
	}
	return score
}

// ScoreUnit computes the affinity score of a candidate against a
// unit's base and instance label sets. Returns -1 when a required term
// is unmet (including required anti-affinity, which is enforced hard);
// otherwise the non-negative sum of preferred weights.
func ScoreUnit(aff *types.Affinity, base, ins Labels) int32 {
	if aff.Empty() {
		return 0
	}
	if aff.NodeRequired != nil && !MatchSelector(aff.NodeRequired, base) {
		return -1
	}
	if aff.InstanceRequired != nil && !MatchSelector(aff.InstanceRequired, ins) {
		return -1
	}
	if aff.InstanceRequiredNot != nil && len(aff.InstanceRequiredNot.SubConditions) > 0 {
		for _, sc := range aff.InstanceRequiredNot.SubConditions {
			if matchSubCondition(sc, ins) {
				return -1
			}
		}
	}
	score := selectorWeight(aff.NodePreferred, base)
	score += selectorWeight(aff.InstancePreferred, ins)
	score += selectorAvoidWeight(aff.InstancePreferredNot, ins)
	return score
}

// MatchRequired reports whether every required term of the affinity
// holds for the given label sets. Equivalent to ScoreUnit >= 0 without
// computing preference weights.
func MatchRequired(aff *types.Affinity, base, ins Labels) bool {
	if aff.Empty() {
		return true
	}
	if aff.NodeRequired != nil && !MatchSelector(aff.NodeRequired, base) {
		return false
	}
	if aff.InstanceRequired != nil && !MatchSelector(aff.InstanceRequired, ins) {
		return false
	}
	if aff.InstanceRequiredNot != nil {
		for _, sc := range aff.InstanceRequiredNot.SubConditions {
			if matchSubCondition(sc, ins) {
				return false
			}
		}
	}
	return true
}

// InstanceScore scores the candidate's instance-level preference terms
// against one instance's own labels. The preemption controller orders
// victims with it: a victim scoring high is an affinity anchor the
// candidate would rather keep.
func InstanceScore(aff *types.Affinity, insLabels Labels) int32 {
	if aff.Empty() {
		return 0
	}
	score := selectorWeight(aff.InstanceRequired, insLabels)
	score += selectorWeight(aff.InstancePreferred, insLabels)
	return score
}

// SatisfiesInstanceRequired reports whether an instance's labels
// satisfy the candidate's instance-required selector. Victims that
// satisfy it are affinity anchors and must not be preempted.
func SatisfiesInstanceRequired(aff *types.Affinity, insLabels Labels) bool {
	if aff.Empty() || aff.InstanceRequired == nil {
		return false
	}
	return MatchSelector(aff.InstanceRequired, insLabels)
}
