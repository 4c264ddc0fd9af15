package report

import (
	"time"

	"consensus_health/pkg/consensus"
	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
)

// AvailabilityStatus tags an authority's data freshness in the report.
type AvailabilityStatus string

const (
	AuthorityOK          AvailabilityStatus = "ok"
	AuthorityStale       AvailabilityStatus = "stale"
	AuthorityUnavailable AvailabilityStatus = "unavailable"
)

// AuthorityStatus is the per-authority availability record.
type AuthorityStatus struct {
	ID     dirauth.AuthorityID `json:"id"`
	Name   string              `json:"name"`
	Status AvailabilityStatus  `json:"status"`
}

// NodeDiagnostics explains one node's consensus standing: whether it is in
// consensus, how many authorities voted for it, and the verdict for every
// tracked flag. Flags is never missing entries, so renderers need no
// null-checks for unresponsive authorities.
type NodeDiagnostics struct {
	InConsensus      bool                                 `json:"in_consensus"`
	VoteCount        int                                  `json:"vote_count"`
	TotalAuthorities int                                  `json:"total_authorities"`
	Flags            map[string]consensus.FlagEligibility `json:"flags"`
}

// DiagnosticsReport is the sole output boundary of the engine: an immutable
// snapshot handed to the rendering layer, and serialized unchanged (plus the
// round timestamp and availability flags it already carries) as the cache
// sidecar shape.
type DiagnosticsReport struct {
	RunID            string                              `json:"run_id"`
	RoundTime        time.Time                           `json:"round_time"`
	GeneratedAt      time.Time                           `json:"generated_at"`
	TotalAuthorities int                                 `json:"total_authorities"`
	Majority         int                                 `json:"majority"`
	Unavailable      bool                                `json:"unavailable"`
	Authorities      []AuthorityStatus                   `json:"authorities"`
	Nodes            map[metadata.NodeID]NodeDiagnostics `json:"nodes"`
}

// Formatter projects engine state into the stable report shape. It performs
// no recomputation and no I/O.
type Formatter struct{}

// NewFormatter creates a report formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// Build assembles the report for every known node: the union of indexed
// nodes and the metadata snapshot. Nodes absent from every vote get a zero
// vote count, InConsensus=false, and Below verdicts for every flag.
func (f *Formatter) Build(
	runID string,
	roundTime time.Time,
	evaluator *consensus.Evaluator,
	index *consensus.NodeIndex,
	attributes metadata.Snapshot,
	authorities []AuthorityStatus,
) *DiagnosticsReport {
	total := evaluator.TotalAuthorities()
	majority := evaluator.Majority()

	known := make(map[metadata.NodeID]struct{}, index.Len()+len(attributes))
	for _, id := range index.Nodes() {
		known[id] = struct{}{}
	}
	for id := range attributes {
		known[id] = struct{}{}
	}

	nodes := make(map[metadata.NodeID]NodeDiagnostics, len(known))
	for id := range known {
		voteCount := index.VoteCount(id)
		nodes[id] = NodeDiagnostics{
			InConsensus:      voteCount >= majority,
			VoteCount:        voteCount,
			TotalAuthorities: total,
			Flags:            evaluator.EvaluateNode(id),
		}
	}

	return &DiagnosticsReport{
		RunID:            runID,
		RoundTime:        roundTime,
		GeneratedAt:      time.Now().UTC(),
		TotalAuthorities: total,
		Majority:         majority,
		Authorities:      authorities,
		Nodes:            nodes,
	}
}

// BuildUnavailable produces the explicit degraded report for a round where
// no authority data is usable, live or cached.
func (f *Formatter) BuildUnavailable(runID string, authorities []dirauth.Authority) *DiagnosticsReport {
	statuses := make([]AuthorityStatus, 0, len(authorities))
	for _, authority := range authorities {
		statuses = append(statuses, AuthorityStatus{
			ID:     authority.ID,
			Name:   authority.Name,
			Status: AuthorityUnavailable,
		})
	}

	total := len(authorities)
	return &DiagnosticsReport{
		RunID:            runID,
		GeneratedAt:      time.Now().UTC(),
		TotalAuthorities: total,
		Majority:         total/2 + 1,
		Unavailable:      true,
		Authorities:      statuses,
		Nodes:            make(map[metadata.NodeID]NodeDiagnostics),
	}
}
