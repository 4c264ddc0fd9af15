package consensus

import (
	"go.uber.org/zap"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
	"consensus_health/pkg/vote"
)

// EligibilityStatus summarizes a node's standing for one flag.
type EligibilityStatus string

const (
	StatusMeets   EligibilityStatus = "meets"
	StatusBelow   EligibilityStatus = "below"
	StatusPartial EligibilityStatus = "partial"
)

// AuthorityVerdict is one authority's view of one node for one flag. Voted
// distinguishes "did not vote for the node" from "voted but below threshold".
type AuthorityVerdict struct {
	Authority      dirauth.AuthorityID `json:"authority"`
	Voted          bool                `json:"voted"`
	MeetsThreshold bool                `json:"meets_threshold"`
	Assigned       bool                `json:"assigned"`
	Stale          bool                `json:"stale,omitempty"`
}

// FlagEligibility is the per-node, per-flag verdict with per-authority
// detail.
type FlagEligibility struct {
	Flag             string             `json:"flag"`
	EligibleCount    int                `json:"eligible_count"`
	AssignedCount    int                `json:"assigned_count"`
	TotalAuthorities int                `json:"total_authorities"`
	Majority         int                `json:"majority"`
	PerAuthority     []AuthorityVerdict `json:"per_authority"`
	Status           EligibilityStatus  `json:"status"`
}

// Evaluator computes flag eligibility for nodes against the merged index.
// Prerequisite chains are evaluated by memoized recursion per node, and
// every numeric comparison uses the voting authority's own threshold table.
type Evaluator struct {
	index       *NodeIndex
	documents   map[dirauth.AuthorityID]*vote.VoteDocument
	attributes  metadata.Snapshot
	authorities []dirauth.Authority
	stale       map[dirauth.AuthorityID]bool
	rules       map[string]FlagRule
	total       int
	majority    int
	logger      *zap.Logger
}

// NewEvaluator creates an evaluator for one run. authorities is the full
// registry set, unavailable ones included: they count toward the total and
// the majority bar, but contribute no votes. stale marks authorities whose
// documents were backfilled from cache.
func NewEvaluator(
	index *NodeIndex,
	documents map[dirauth.AuthorityID]*vote.VoteDocument,
	attributes metadata.Snapshot,
	authorities []dirauth.Authority,
	stale map[dirauth.AuthorityID]bool,
	logger *zap.Logger,
) *Evaluator {
	total := len(authorities)
	return &Evaluator{
		index:       index,
		documents:   documents,
		attributes:  attributes,
		authorities: authorities,
		stale:       stale,
		rules:       DefaultRules(),
		total:       total,
		majority:    total/2 + 1,
		logger:      logger,
	}
}

// Majority returns the quorum bar used by this evaluator.
func (e *Evaluator) Majority() int {
	return e.majority
}

// TotalAuthorities returns the full authority count for the round.
func (e *Evaluator) TotalAuthorities() int {
	return e.total
}

// Flags returns the tracked flag names in stable order.
func (e *Evaluator) Flags() []string {
	return TrackedFlags(e.rules)
}

// EvaluateNode computes eligibility for every tracked flag of one node.
// Every flag gets a verdict, even for nodes no authority voted for.
func (e *Evaluator) EvaluateNode(id metadata.NodeID) map[string]FlagEligibility {
	memo := make(map[string]*FlagEligibility, len(e.rules))
	results := make(map[string]FlagEligibility, len(e.rules))
	for _, flag := range e.Flags() {
		results[flag] = *e.evaluateFlag(id, flag, memo)
	}
	return results
}

// evaluateFlag resolves one flag for one node, recursing into prerequisites
// first. A prerequisite that fails majority short-circuits the dependent
// flag to Below without running its threshold checks.
func (e *Evaluator) evaluateFlag(id metadata.NodeID, flag string, memo map[string]*FlagEligibility) *FlagEligibility {
	if cached, ok := memo[flag]; ok {
		return cached
	}

	rule, ok := e.rules[flag]
	if !ok {
		// Untracked flag: report assignment counts only.
		rule = FlagRule{Name: flag, Check: CheckAssignment}
	}

	for _, prerequisite := range rule.Prerequisites {
		if e.evaluateFlag(id, prerequisite, memo).Status != StatusMeets {
			result := e.shortCircuit(id, flag)
			memo[flag] = result
			return result
		}
	}

	result := e.aggregate(id, rule, true)
	memo[flag] = result
	return result
}

// shortCircuit produces the Below verdict for a flag whose prerequisite
// chain failed. Per-authority assignment is still reported; thresholds are
// not evaluated.
func (e *Evaluator) shortCircuit(id metadata.NodeID, flag string) *FlagEligibility {
	return e.aggregate(id, FlagRule{Name: flag, Check: CheckAssignment}, false)
}

// aggregate walks the full authority set once and tallies the verdict.
func (e *Evaluator) aggregate(id metadata.NodeID, rule FlagRule, countEligible bool) *FlagEligibility {
	entries := e.index.Lookup(id)

	// Policy facts are authority-independent: evaluate once.
	policyOK := false
	if rule.Check == CheckPolicy {
		policyOK = e.checkPolicy(id)
	}

	result := &FlagEligibility{
		Flag:             rule.Name,
		TotalAuthorities: e.total,
		Majority:         e.majority,
		PerAuthority:     make([]AuthorityVerdict, 0, len(e.authorities)),
	}

	for _, authority := range e.authorities {
		verdict := AuthorityVerdict{
			Authority: authority.ID,
			Stale:     e.stale[authority.ID],
		}

		entry, voted := entries[authority.ID]
		if voted {
			verdict.Voted = true
			verdict.Assigned = entry.HasFlag(rule.Name)
			if countEligible {
				verdict.MeetsThreshold = e.checkAuthority(authority.ID, entry, rule, policyOK)
			}
			if verdict.Assigned {
				result.AssignedCount++
			}
			if verdict.MeetsThreshold {
				result.EligibleCount++
			}
		}

		result.PerAuthority = append(result.PerAuthority, verdict)
	}

	switch {
	case result.EligibleCount >= e.majority:
		result.Status = StatusMeets
	case result.EligibleCount == 0:
		result.Status = StatusBelow
	default:
		result.Status = StatusPartial
	}

	return result
}

// checkAuthority evaluates one authority's threshold or policy verdict for
// a node it voted for.
func (e *Evaluator) checkAuthority(authID dirauth.AuthorityID, entry *vote.VoteEntry, rule FlagRule, policyOK bool) bool {
	switch rule.Check {
	case CheckReachability:
		return entry.IPv4Reachable
	case CheckAssignment:
		return entry.HasFlag(rule.Name)
	case CheckPolicy:
		return policyOK
	case CheckThreshold:
		doc, ok := e.documents[authID]
		if !ok {
			return false
		}
		for _, req := range rule.Requirements {
			threshold, ok := doc.Threshold(req.Key)
			if !ok {
				// No published value means this authority cannot certify.
				return false
			}
			if statValue(entry, req.Stat) < threshold {
				return false
			}
		}
		return true
	}
	return false
}

// checkPolicy evaluates the exit-policy fact from static attributes: the
// node must allow exiting to at least two of the well-known ports.
func (e *Evaluator) checkPolicy(id metadata.NodeID) bool {
	attrs, ok := e.attributes[id]
	if !ok {
		return false
	}
	allowed := 0
	for _, port := range exitPorts {
		if attrs.ExitPolicy.Allows(port) {
			allowed++
		}
	}
	return allowed >= 2
}

func statValue(entry *vote.VoteEntry, stat StatKind) float64 {
	switch stat {
	case StatWFU:
		return entry.Stats.WFU
	case StatTimeKnown:
		return entry.Stats.TimeKnown.Seconds()
	case StatMTBF:
		return entry.Stats.MTBF.Seconds()
	case StatBandwidth:
		return float64(entry.EffectiveBandwidth())
	}
	return 0
}
