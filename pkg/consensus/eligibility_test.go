package consensus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
	"consensus_health/pkg/vote"
)

// standardThresholds is one authority's published threshold table. Tests
// vary it per authority to exercise the per-authority comparison rule.
func standardThresholds() map[string]float64 {
	return map[string]float64{
		"fast-speed":  40960,
		"stable-mtbf": 150000,
		"guard-bw":    153600,
		"guard-tk":    691200,
		"guard-wfu":   0.98,
		"hsdir-wfu":   0.98,
		"hsdir-tk":    96000,
	}
}

func strongEntry(flags ...string) *vote.VoteEntry {
	entry := basicEntry(flags...)
	entry.Stats = vote.NodeStats{
		WFU:       0.999,
		TimeKnown: 800000 * time.Second,
		MTBF:      200000 * time.Second,
	}
	entry.Bandwidth = 500000
	return entry
}

func weakEntry(flags ...string) *vote.VoteEntry {
	entry := basicEntry(flags...)
	entry.Stats = vote.NodeStats{
		WFU:       0.5,
		TimeKnown: 1000 * time.Second,
		MTBF:      100 * time.Second,
	}
	entry.Bandwidth = 100
	return entry
}

func makeAuthorities(n int) []dirauth.Authority {
	authorities := make([]dirauth.Authority, 0, n)
	for i := 0; i < n; i++ {
		id := dirauth.AuthorityID(fmt.Sprintf("auth%d", i))
		authorities = append(authorities, dirauth.Authority{ID: id, Name: string(id)})
	}
	return authorities
}

// buildEvaluator assembles an evaluator where the first `voting` authorities
// vote the given entry for the node, out of `total` registry authorities.
func buildEvaluator(t *testing.T, node metadata.NodeID, entry func() *vote.VoteEntry, voting, total int, attrs metadata.Snapshot) *Evaluator {
	t.Helper()

	authorities := makeAuthorities(total)
	documents := make([]*vote.VoteDocument, 0, voting)
	byAuthority := make(map[dirauth.AuthorityID]*vote.VoteDocument)
	for i := 0; i < voting; i++ {
		doc := makeDocument(authorities[i].ID, standardThresholds(), map[metadata.NodeID]*vote.VoteEntry{
			node: entry(),
		})
		documents = append(documents, doc)
		byAuthority[authorities[i].ID] = doc
	}

	index := BuildIndex(documents)
	return NewEvaluator(index, byAuthority, attrs, authorities, nil, zap.NewNop())
}

func TestMajorityRecomputedFromAuthorityCount(t *testing.T) {
	for _, tc := range []struct {
		total    int
		majority int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {8, 5}, {9, 5}, {10, 6},
	} {
		evaluator := buildEvaluator(t, nodeID(1), func() *vote.VoteEntry {
			return strongEntry("Running")
		}, 0, tc.total, nil)
		assert.Equal(t, tc.majority, evaluator.Majority(), "total=%d", tc.total)
	}
}

// Scenario: 9 authorities, 5 vote the node eligible with thresholds met, 4
// did not vote for the node at all.
func TestEligibility_MajorityMet(t *testing.T) {
	node := nodeID(4)
	evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
		return strongEntry("Fast", "Running")
	}, 5, 9, nil)

	results := evaluator.EvaluateNode(node)
	fast := results["Fast"]

	assert.Equal(t, 5, fast.EligibleCount)
	assert.Equal(t, 9, fast.TotalAuthorities)
	assert.Equal(t, 5, fast.Majority)
	assert.Equal(t, StatusMeets, fast.Status)

	t.Run("AbsentDistinctFromBelow", func(t *testing.T) {
		voted, notVoted := 0, 0
		for _, verdict := range fast.PerAuthority {
			if verdict.Voted {
				voted++
				assert.True(t, verdict.MeetsThreshold)
			} else {
				notVoted++
				assert.False(t, verdict.MeetsThreshold)
				assert.False(t, verdict.Assigned)
			}
		}
		assert.Equal(t, 5, voted)
		assert.Equal(t, 4, notVoted)
	})
}

// Scenario: WFU below every authority's threshold for Guard.
func TestEligibility_BelowEverywhere(t *testing.T) {
	node := nodeID(5)
	evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
		return weakEntry("Running")
	}, 9, 9, nil)

	results := evaluator.EvaluateNode(node)

	stable := results["Stable"]
	assert.Equal(t, 0, stable.EligibleCount)
	assert.Equal(t, StatusBelow, stable.Status)

	fast := results["Fast"]
	assert.Equal(t, StatusBelow, fast.Status)
}

// Scenario: a Guard prerequisite fails majority; Guard resolves Below
// without threshold checks.
func TestEligibility_PrerequisiteShortCircuit(t *testing.T) {
	node := nodeID(6)
	// Stats strong enough for every Guard threshold, but MTBF so low that
	// Stable (a prerequisite) fails everywhere.
	evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
		entry := strongEntry("Running", "V2Dir")
		entry.Stats.MTBF = 10 * time.Second
		return entry
	}, 9, 9, nil)

	results := evaluator.EvaluateNode(node)

	require.Equal(t, StatusBelow, results["Stable"].Status)

	guard := results["Guard"]
	assert.Equal(t, StatusBelow, guard.Status)
	assert.Equal(t, 0, guard.EligibleCount)
	for _, verdict := range guard.PerAuthority {
		assert.False(t, verdict.MeetsThreshold)
	}
}

func TestEligibility_GuardMeetsWithPrerequisites(t *testing.T) {
	node := nodeID(7)
	evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
		return strongEntry("Running", "V2Dir", "Stable", "Guard")
	}, 9, 9, nil)

	results := evaluator.EvaluateNode(node)

	assert.Equal(t, StatusMeets, results["V2Dir"].Status)
	assert.Equal(t, StatusMeets, results["Stable"].Status)

	guard := results["Guard"]
	assert.Equal(t, StatusMeets, guard.Status)
	assert.Equal(t, 9, guard.EligibleCount)
	assert.Equal(t, 9, guard.AssignedCount)
}

// Thresholds are per-authority: an authority with a stricter table can
// reject a node the others accept.
func TestEligibility_PerAuthorityThresholds(t *testing.T) {
	node := nodeID(8)
	authorities := makeAuthorities(3)

	strict := standardThresholds()
	strict["fast-speed"] = 1 << 30

	byAuthority := make(map[dirauth.AuthorityID]*vote.VoteDocument)
	documents := make([]*vote.VoteDocument, 0, 3)
	for i, authority := range authorities {
		thresholds := standardThresholds()
		if i == 2 {
			thresholds = strict
		}
		doc := makeDocument(authority.ID, thresholds, map[metadata.NodeID]*vote.VoteEntry{
			node: strongEntry("Fast", "Running"),
		})
		documents = append(documents, doc)
		byAuthority[authority.ID] = doc
	}

	index := BuildIndex(documents)
	evaluator := NewEvaluator(index, byAuthority, nil, authorities, nil, zap.NewNop())

	fast := evaluator.EvaluateNode(node)["Fast"]
	assert.Equal(t, 2, fast.EligibleCount)
	assert.Equal(t, StatusMeets, fast.Status) // majority of 3 is 2

	rejected := 0
	for _, verdict := range fast.PerAuthority {
		if verdict.Voted && !verdict.MeetsThreshold {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

// An authority that does not publish a required threshold key cannot
// certify the flag.
func TestEligibility_MissingThresholdKey(t *testing.T) {
	node := nodeID(9)
	authorities := makeAuthorities(1)

	doc := makeDocument(authorities[0].ID, map[string]float64{}, map[metadata.NodeID]*vote.VoteEntry{
		node: strongEntry("Fast"),
	})
	index := BuildIndex([]*vote.VoteDocument{doc})
	evaluator := NewEvaluator(index, map[dirauth.AuthorityID]*vote.VoteDocument{authorities[0].ID: doc},
		nil, authorities, nil, zap.NewNop())

	fast := evaluator.EvaluateNode(node)["Fast"]
	assert.Equal(t, 0, fast.EligibleCount)
	assert.Equal(t, StatusBelow, fast.Status)
}

func TestEligibility_ExitPolicy(t *testing.T) {
	node := nodeID(10)

	t.Run("AllowsTwoWellKnownPorts", func(t *testing.T) {
		attrs := metadata.Snapshot{
			node: {ExitPolicy: metadata.ExitPolicy{AcceptedPorts: []int{80, 443}}},
		}
		evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
			return strongEntry("Exit", "Running")
		}, 3, 3, attrs)

		exit := evaluator.EvaluateNode(node)["Exit"]
		assert.Equal(t, StatusMeets, exit.Status)
		assert.Equal(t, 3, exit.EligibleCount)
		assert.Equal(t, 3, exit.AssignedCount)
	})

	t.Run("PolicyTooNarrow", func(t *testing.T) {
		attrs := metadata.Snapshot{
			node: {ExitPolicy: metadata.ExitPolicy{AcceptedPorts: []int{22}}},
		}
		evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
			return strongEntry("Running")
		}, 3, 3, attrs)

		exit := evaluator.EvaluateNode(node)["Exit"]
		assert.Equal(t, StatusBelow, exit.Status)
		assert.Equal(t, 0, exit.AssignedCount)
	})

	t.Run("NoStaticAttributes", func(t *testing.T) {
		evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
			return strongEntry("Running")
		}, 3, 3, nil)

		exit := evaluator.EvaluateNode(node)["Exit"]
		assert.Equal(t, StatusBelow, exit.Status)
	})
}

// A node no authority voted for gets Below everywhere.
func TestEligibility_ZeroVotes(t *testing.T) {
	node := nodeID(11)
	evaluator := buildEvaluator(t, nodeID(12), func() *vote.VoteEntry {
		return strongEntry("Running")
	}, 3, 9, nil)

	results := evaluator.EvaluateNode(node)
	require.NotEmpty(t, results)
	for flag, eligibility := range results {
		assert.Equal(t, StatusBelow, eligibility.Status, "flag %s", flag)
		assert.Equal(t, 0, eligibility.EligibleCount, "flag %s", flag)
		assert.Equal(t, 0, eligibility.AssignedCount, "flag %s", flag)
	}
}

// Degradation monotonicity: evaluating with a superset of authorities never
// lowers eligibleCount.
func TestEligibility_DegradationMonotonicity(t *testing.T) {
	node := nodeID(13)

	counts := make(map[string]int)
	for _, voting := range []int{3, 5} {
		evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
			return strongEntry("Fast", "Running", "Valid")
		}, voting, 9, nil)
		for flag, eligibility := range evaluator.EvaluateNode(node) {
			key := fmt.Sprintf("%s/%d", flag, voting)
			counts[key] = eligibility.EligibleCount
		}
	}

	for _, flag := range []string{"Fast", "Running", "Valid"} {
		subset := counts[flag+"/3"]
		superset := counts[flag+"/5"]
		assert.GreaterOrEqual(t, superset, subset, "flag %s", flag)
	}
}

// eligibleCount can never exceed the authority total, and status follows the
// documented mapping.
func TestEligibility_StatusMapping(t *testing.T) {
	node := nodeID(14)
	for _, voting := range []int{0, 1, 4, 5, 9} {
		evaluator := buildEvaluator(t, node, func() *vote.VoteEntry {
			return strongEntry("Running")
		}, voting, 9, nil)

		running := evaluator.EvaluateNode(node)["Running"]
		assert.LessOrEqual(t, running.EligibleCount, running.TotalAuthorities)

		switch {
		case running.EligibleCount >= 5:
			assert.Equal(t, StatusMeets, running.Status)
		case running.EligibleCount == 0:
			assert.Equal(t, StatusBelow, running.Status)
		default:
			assert.Equal(t, StatusPartial, running.Status)
		}
	}
}

func TestEligibility_StaleAuthoritiesFlagged(t *testing.T) {
	node := nodeID(15)
	authorities := makeAuthorities(2)

	doc1 := makeDocument(authorities[0].ID, standardThresholds(), map[metadata.NodeID]*vote.VoteEntry{
		node: strongEntry("Running"),
	})
	doc2 := makeDocument(authorities[1].ID, standardThresholds(), map[metadata.NodeID]*vote.VoteEntry{
		node: strongEntry("Running"),
	})

	index := BuildIndex([]*vote.VoteDocument{doc1, doc2})
	stale := map[dirauth.AuthorityID]bool{authorities[1].ID: true}
	evaluator := NewEvaluator(index,
		map[dirauth.AuthorityID]*vote.VoteDocument{authorities[0].ID: doc1, authorities[1].ID: doc2},
		nil, authorities, stale, zap.NewNop())

	running := evaluator.EvaluateNode(node)["Running"]
	require.Len(t, running.PerAuthority, 2)
	assert.False(t, running.PerAuthority[0].Stale)
	assert.True(t, running.PerAuthority[1].Stale)
	// Stale data still counts toward eligibility.
	assert.Equal(t, 2, running.EligibleCount)
}
