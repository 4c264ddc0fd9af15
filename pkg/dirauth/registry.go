package dirauth

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"consensus_health/pkg/metadata"
)

// Error variables for consistent error handling
var (
	// ErrNoAuthorities is fatal: with zero discoverable authorities no
	// consensus approximation can be computed.
	ErrNoAuthorities = errors.New("no voting authorities discoverable")
)

// AuthorityID is the identity fingerprint of a directory authority.
type AuthorityID string

// Authority describes one voting directory authority for the duration of a
// single run. Immutable once the registry is built, except for the scanner
// bit which is resolved by a deferred probe of the fetched vote text.
type Authority struct {
	ID                   AuthorityID `json:"id"`
	Name                 string      `json:"name"`
	Endpoint             string      `json:"endpoint"`
	RunsBandwidthScanner bool        `json:"runs_bandwidth_scanner"`
}

// Registry holds the authority set discovered for the current run.
type Registry struct {
	authorities []Authority
	logger      *zap.Logger
}

// NewRegistry discovers the current voting authorities from the node
// metadata snapshot: every node observed with the Authority flag and a
// published directory address. The set is never hardcoded.
func NewRegistry(snapshot metadata.Snapshot, logger *zap.Logger) (*Registry, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata snapshot: %w", err)
	}

	authorities := make([]Authority, 0)
	for id, attrs := range snapshot {
		if !attrs.HasObservedFlag("Authority") || attrs.DirAddress == "" {
			continue
		}
		authorities = append(authorities, Authority{
			ID:       AuthorityID(id),
			Name:     attrs.Nickname,
			Endpoint: "http://" + attrs.DirAddress,
		})
	}

	if len(authorities) == 0 {
		return nil, ErrNoAuthorities
	}

	// Stable ordering so reports and majority bookkeeping are deterministic.
	sort.Slice(authorities, func(i, j int) bool {
		return authorities[i].Name < authorities[j].Name
	})

	logger.Info("Authority registry built",
		zap.Int("authorities", len(authorities)),
		zap.Int("majority", majorityOf(len(authorities))))

	return &Registry{
		authorities: authorities,
		logger:      logger,
	}, nil
}

// Authorities returns the ordered authority set.
func (r *Registry) Authorities() []Authority {
	out := make([]Authority, len(r.authorities))
	copy(out, r.authorities)
	return out
}

// Count returns the number of known authorities this round.
func (r *Registry) Count() int {
	return len(r.authorities)
}

// Majority returns the quorum bar for the current authority count,
// recomputed from the live set every run.
func (r *Registry) Majority() int {
	return majorityOf(len(r.authorities))
}

func majorityOf(total int) int {
	return total/2 + 1
}
