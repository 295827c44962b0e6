package sched

import (
	"sort"
	"strings"

	"github.com/skein-sh/skein/pkg/errcode"
	"github.com/skein-sh/skein/pkg/log"
	"github.com/skein-sh/skein/pkg/metrics"
	"github.com/skein-sh/skein/pkg/resource"
	"github.com/skein-sh/skein/pkg/types"
)

// PreemptResult names the unit and the victim set whose eviction makes
// the candidate schedulable on it.
type PreemptResult struct {
	UnitID  string
	OwnerID string
	Victims []*types.Instance
	Score   int32
	Freed   types.Resources

	// overshoot is how much eviction frees beyond the demand; smaller
	// is better when score and victim count tie.
	overshoot int64
}

// Preemptor computes victim sets when ordinary placement fails. It
// never evicts anything itself: the result is a decision the performer
// materializes.
type Preemptor struct {
	debugLimit int
}

// NewPreemptor creates a preemptor recording up to debugLimit
// infeasible units per decision for operator logs.
func NewPreemptor(debugLimit int) *Preemptor {
	if debugLimit <= 0 {
		debugLimit = 5
	}
	return &Preemptor{debugLimit: debugLimit}
}

// Preempt finds the best unit and victim set for the spec. allowed
// filters candidate units (resource group membership); nil admits all.
// Chosen victims are claimed in the pass context so a later decision
// in the same pass cannot count them twice.
func (p *Preemptor) Preempt(pre *resource.ScheduleContext, view *resource.ViewInfo, spec *Spec, allowed func(*resource.UnitInfo) bool) (*PreemptResult, *errcode.Status) {
	var best *PreemptResult
	var verdicts []string

	for _, uid := range sortedUnitIDs(view) {
		u := view.Units[uid]
		if allowed != nil && !allowed(u) {
			continue
		}
		res, reason := p.tryUnit(pre, u, spec)
		if res == nil {
			if len(verdicts) < p.debugLimit {
				verdicts = append(verdicts, uid+": "+reason)
			}
			continue
		}
		if best == nil || betterPreempt(res, best) {
			best = res
		}
	}

	if best == nil {
		st := errcode.Newf(errcode.NoPreemptableInstance,
			"no unit yields a viable victim set for instance %s", spec.InstanceID)
		if len(verdicts) > 0 {
			st = st.WithDetail(strings.Join(verdicts, "; "))
		}
		logger := log.WithComponent("sched")
		logger.Debug().
			Str("instance_id", spec.InstanceID).
			Strs("units", verdicts).
			Msg("preemption found no viable unit")
		return nil, st
	}

	for _, v := range best.Victims {
		pre.MarkVictim(best.UnitID, v.InstanceID)
	}
	metrics.PreemptionsTotal.Inc()
	metrics.PreemptionVictims.Add(float64(len(best.Victims)))
	logger := log.WithComponent("sched")
	logger.Info().
		Str("instance_id", spec.InstanceID).
		Str("unit_id", best.UnitID).
		Int("victims", len(best.Victims)).
		Msg("preemption decision")
	return best, nil
}

// victimCandidate caches the ordering fields of one candidate.
type victimCandidate struct {
	ins    *types.Instance
	score  int32
	weight int64
}

// tryUnit evaluates one unit: enumerate victims, order them, and take
// the shortest prefix that restores both capacity and the candidate's
// required affinity. Returns nil and a reason when infeasible.
func (p *Preemptor) tryUnit(pre *resource.ScheduleContext, u *resource.UnitInfo, spec *Spec) (*PreemptResult, string) {
	aff := spec.Options.Affinity
	effAlloc := pre.EffectiveAllocatable(u)

	var cands []victimCandidate
	ids := make([]string, 0, len(u.Instances))
	for id := range u.Instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ins := u.Instances[id]
		if pre.IsVictim(u.UnitID, id) {
			continue
		}
		if !ins.Options.PreemptedAllowed {
			continue
		}
		if spec.Options.Priority <= ins.Options.Priority {
			continue
		}
		if ins.SubHealthy {
			continue
		}
		labels := resource.FromMap(ins.Labels)
		if resource.SatisfiesInstanceRequired(aff, labels) {
			// Evicting an affinity anchor would destroy the very
			// placement the candidate requires.
			continue
		}
		cands = append(cands, victimCandidate{
			ins:    ins,
			score:  resource.InstanceScore(aff, labels),
			weight: ins.Resources.Weight(),
		})
	}
	if len(cands) == 0 {
		return nil, "no preemptable instance"
	}

	ceiling := effAlloc
	for _, c := range cands {
		ceiling = ceiling.Add(c.ins.Resources)
	}
	if !ceiling.Fits(spec.Resources) {
		return nil, "insufficient capacity even after eviction"
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.ins.Options.Priority != b.ins.Options.Priority {
			return a.ins.Options.Priority < b.ins.Options.Priority
		}
		if a.score != b.score {
			return a.score < b.score
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return a.ins.InstanceID > b.ins.InstanceID
	})

	effIns := pre.EffectiveInsLabels(u).Clone()
	freed := types.Resources{}
	var victims []*types.Instance
	feasible := false
	for k := 0; k <= len(cands); k++ {
		if k > 0 {
			v := cands[k-1].ins
			victims = append(victims, v)
			freed = freed.Add(v.Resources)
			for lk, lv := range v.Labels {
				effIns.Remove(lk, lv, 1)
			}
		}
		if !effAlloc.Add(freed).Fits(spec.Resources) {
			continue
		}
		if !resource.MatchRequired(aff, u.BaseLabels, effIns) {
			continue
		}
		feasible = true
		break
	}
	if !feasible {
		return nil, "required affinity unmet after eviction"
	}
	if len(victims) == 0 {
		return nil, "placeable without eviction"
	}

	score := resource.ScoreUnit(aff, u.BaseLabels, effIns)
	if score < 0 {
		return nil, "required affinity unmet after eviction"
	}
	return &PreemptResult{
		UnitID:    u.UnitID,
		OwnerID:   u.OwnerID,
		Victims:   victims,
		Score:     score,
		Freed:     freed,
		overshoot: effAlloc.Add(freed).Sub(spec.Resources).Weight(),
	}, ""
}

// betterPreempt orders results across units: highest score, then
// fewest victims, then smallest overshoot, then smaller unit id.
func betterPreempt(a, b *PreemptResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if len(a.Victims) != len(b.Victims) {
		return len(a.Victims) < len(b.Victims)
	}
	if a.overshoot != b.overshoot {
		return a.overshoot < b.overshoot
	}
	return a.UnitID < b.UnitID
}
