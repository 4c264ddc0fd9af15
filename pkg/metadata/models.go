package metadata

import (
	"errors"
	"regexp"
	"strings"
)

// Error variables for consistent error handling
var (
	ErrInvalidNodeID   = errors.New("invalid node identifier")
	ErrEmptySnapshot   = errors.New("metadata snapshot is empty")
	ErrSnapshotFetch   = errors.New("fetching metadata snapshot")
	ErrMalformedDetail = errors.New("malformed node detail record")
)

// NodeID is the uppercase hex identity fingerprint of a network node.
type NodeID string

var fingerprintPattern = regexp.MustCompile(`^[A-F0-9]{40}$`)

// ParseNodeID normalizes and validates a raw fingerprint string.
func ParseNodeID(raw string) (NodeID, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if !fingerprintPattern.MatchString(normalized) {
		return "", ErrInvalidNodeID
	}
	return NodeID(normalized), nil
}

// ExitPolicy is the descriptor-derived summary of the ports a node's exit
// policy accepts. It is authority-independent.
type ExitPolicy struct {
	AcceptedPorts []int `json:"accepted_ports,omitempty"`
}

// Allows reports whether the policy accepts exiting to the given port.
func (p ExitPolicy) Allows(port int) bool {
	for _, accepted := range p.AcceptedPorts {
		if accepted == port {
			return true
		}
	}
	return false
}

// StaticAttributes holds the descriptor-derived facts about a node that do
// not vary per authority: geography, addresses, advertised bandwidth, exit
// policy, and the flags already observed in the published consensus.
type StaticAttributes struct {
	Nickname            string     `json:"nickname"`
	CountryCode         string     `json:"country_code,omitempty"`
	AdvertisedBandwidth int64      `json:"advertised_bandwidth"`
	ORAddress           string     `json:"or_address"`
	DirAddress          string     `json:"dir_address,omitempty"`
	ObservedFlags       []string   `json:"observed_flags,omitempty"`
	ExitPolicy          ExitPolicy `json:"exit_policy"`
}

// HasObservedFlag reports whether the published consensus already lists the
// given flag for this node.
func (a StaticAttributes) HasObservedFlag(flag string) bool {
	for _, f := range a.ObservedFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Snapshot is a network-wide view of node metadata, keyed by identity.
// It is consumed read-only by the registry and the eligibility engine.
type Snapshot map[NodeID]StaticAttributes

// Validate checks that the snapshot is usable.
func (s Snapshot) Validate() error {
	if len(s) == 0 {
		return ErrEmptySnapshot
	}
	return nil
}
