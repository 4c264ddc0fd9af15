package consensus

import (
	"sort"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
	"consensus_health/pkg/vote"
)

// NodeIndex is the cross-authority view of every node voted for this round,
// keyed by node identity. It is built exactly once per run and is read-only
// afterwards, so it may be shared across flags and goroutines without
// locking.
type NodeIndex struct {
	nodes map[metadata.NodeID]map[dirauth.AuthorityID]*vote.VoteEntry
}

// BuildIndex merges the parsed vote documents in a single pass: one
// iteration over documents, one inner iteration over each document's
// entries. Documents are not re-scanned per flag.
func BuildIndex(documents []*vote.VoteDocument) *NodeIndex {
	nodes := make(map[metadata.NodeID]map[dirauth.AuthorityID]*vote.VoteEntry)

	for _, doc := range documents {
		for id, entry := range doc.Entries {
			byAuthority, ok := nodes[id]
			if !ok {
				byAuthority = make(map[dirauth.AuthorityID]*vote.VoteEntry)
				nodes[id] = byAuthority
			}
			byAuthority[doc.Authority.ID] = entry
		}
	}

	return &NodeIndex{nodes: nodes}
}

// Lookup returns the per-authority entries for a node. A nil map means no
// authority voted for the node this round.
func (ix *NodeIndex) Lookup(id metadata.NodeID) map[dirauth.AuthorityID]*vote.VoteEntry {
	return ix.nodes[id]
}

// VoteCount returns how many authorities voted for the node.
func (ix *NodeIndex) VoteCount(id metadata.NodeID) int {
	return len(ix.nodes[id])
}

// Nodes returns the sorted identities of every node present in the index.
func (ix *NodeIndex) Nodes() []metadata.NodeID {
	ids := make([]metadata.NodeID, 0, len(ix.nodes))
	for id := range ix.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of indexed nodes.
func (ix *NodeIndex) Len() int {
	return len(ix.nodes)
}
