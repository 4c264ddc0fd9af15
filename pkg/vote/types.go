package vote

import (
	"time"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
)

// IPv6Status distinguishes an authority that tested IPv6 and failed from one
// that never tested it at all.
type IPv6Status string

const (
	IPv6Reachable   IPv6Status = "reachable"
	IPv6Unreachable IPv6Status = "unreachable"
	IPv6NotTested   IPv6Status = "not_tested"
)

// NodeStats holds the per-authority reliability measurements for one node.
type NodeStats struct {
	WFU       float64       `json:"wfu"`
	TimeKnown time.Duration `json:"time_known"`
	MTBF      time.Duration `json:"mtbf"`
}

// VoteEntry is one authority's view of one node this round. Absence of an
// entry means the authority did not vote for the node at all, which is
// distinct from a present-but-ineligible entry.
type VoteEntry struct {
	Nickname          string          `json:"nickname"`
	Flags             map[string]bool `json:"flags"`
	IPv4Reachable     bool            `json:"ipv4_reachable"`
	IPv6Status        IPv6Status      `json:"ipv6_status"`
	Stats             NodeStats       `json:"stats"`
	Bandwidth         int64           `json:"bandwidth"`
	MeasuredBandwidth *int64          `json:"measured_bandwidth,omitempty"`
}

// HasFlag reports whether this authority's vote lists the given flag.
func (e *VoteEntry) HasFlag(flag string) bool {
	return e.Flags[flag]
}

// EffectiveBandwidth returns the measured bandwidth when the authority
// published one, falling back to the advertised value.
func (e *VoteEntry) EffectiveBandwidth() int64 {
	if e.MeasuredBandwidth != nil {
		return *e.MeasuredBandwidth
	}
	return e.Bandwidth
}

// VoteDocument is one authority's parsed vote for the current round.
// Threshold values are per-authority and per-round; they are never defaulted
// or carried across rounds.
type VoteDocument struct {
	Authority           dirauth.Authority              `json:"authority"`
	Published           time.Time                      `json:"published"`
	KnownFlags          map[string]bool                `json:"known_flags"`
	Thresholds          map[string]float64             `json:"thresholds"`
	Entries             map[metadata.NodeID]*VoteEntry `json:"entries"`
	HasBandwidthScanner bool                           `json:"has_bandwidth_scanner"`
	SkippedEntries      int                            `json:"skipped_entries"`
}

// Threshold looks up one of this document's named threshold values.
func (d *VoteDocument) Threshold(name string) (float64, bool) {
	value, ok := d.Thresholds[name]
	return value, ok
}
