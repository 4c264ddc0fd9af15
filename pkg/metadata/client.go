package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Client supplies the network-wide node metadata snapshot consumed by the
// registry and the eligibility engine's policy checks.
type Client interface {
	FetchSnapshot(ctx context.Context) (Snapshot, error)
}

// HTTPClient fetches a details document over HTTP and projects it into a
// Snapshot. The document is a JSON array of node detail records.
type HTTPClient struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// nodeDetail mirrors one record of the details document.
type nodeDetail struct {
	Fingerprint         string   `json:"fingerprint"`
	Nickname            string   `json:"nickname"`
	CountryCode         string   `json:"country"`
	AdvertisedBandwidth int64    `json:"advertised_bandwidth"`
	ORAddress           string   `json:"or_address"`
	DirAddress          string   `json:"dir_address"`
	Flags               []string `json:"flags"`
	ExitPorts           []int    `json:"exit_ports"`
}

// NewHTTPClient creates a metadata client for the given details endpoint.
func NewHTTPClient(url string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// FetchSnapshot retrieves and decodes the details document.
func (c *HTTPClient) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building metadata request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrSnapshotFetch, resp.StatusCode)
	}

	var details []nodeDetail
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("decoding metadata document: %w", err)
	}

	snapshot := make(Snapshot, len(details))
	malformed := 0
	for _, d := range details {
		id, err := ParseNodeID(d.Fingerprint)
		if err != nil {
			malformed++
			continue
		}
		snapshot[id] = StaticAttributes{
			Nickname:            d.Nickname,
			CountryCode:         d.CountryCode,
			AdvertisedBandwidth: d.AdvertisedBandwidth,
			ORAddress:           d.ORAddress,
			DirAddress:          d.DirAddress,
			ObservedFlags:       d.Flags,
			ExitPolicy:          ExitPolicy{AcceptedPorts: d.ExitPorts},
		}
	}

	if malformed > 0 {
		c.logger.Warn("Skipped malformed node detail records",
			zap.Int("skipped", malformed),
			zap.Int("accepted", len(snapshot)))
	}

	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	return snapshot, nil
}
