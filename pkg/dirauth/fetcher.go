package dirauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	votePath      = "/tor/status-vote/current/authority"
	bandwidthPath = "/tor/status-vote/next/bandwidth"

	// scannerMarker appears in the vote text of authorities that run a
	// bandwidth scanner; its absence means the authority does not.
	scannerMarker = "bandwidth-file-headers"

	maxDocumentBytes = 32 << 20
)

// FetchStatus tags the outcome of a per-authority fetch attempt.
type FetchStatus string

const (
	FetchStatusOK          FetchStatus = "ok"
	FetchStatusUnavailable FetchStatus = "unavailable"
)

// RawDocument carries the raw bytes retrieved from one authority.
type RawDocument struct {
	Authority     Authority
	VoteText      []byte
	BandwidthText []byte
	FetchedAt     time.Time
}

// FetchResult is the tagged per-authority outcome. One authority's failure
// never aborts the others; it is recorded here instead.
type FetchResult struct {
	Authority Authority
	Status    FetchStatus
	Document  *RawDocument
	Err       error
}

// FetcherMetrics tracks fetch outcomes across runs.
type FetcherMetrics struct {
	FetchesAttempted int64
	FetchesSucceeded int64
	FetchesFailed    int64
	LastFetch        time.Time
	mu               sync.RWMutex
}

// Fetcher retrieves vote and bandwidth documents from authorities, one
// concurrent task per authority, each under its own timeout.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
	metrics *FetcherMetrics
}

// NewFetcher creates a document fetcher with the given per-authority timeout.
func NewFetcher(timeout time.Duration, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
		metrics: &FetcherMetrics{},
	}
}

// FetchAll retrieves documents from every authority concurrently. It returns
// one result per authority, in the same order. If ctx expires before an
// authority resolves, that authority is reported Unavailable and its
// in-flight fetch is abandoned rather than awaited.
func (f *Fetcher) FetchAll(ctx context.Context, authorities []Authority) []FetchResult {
	type indexed struct {
		pos    int
		result FetchResult
	}

	resultCh := make(chan indexed, len(authorities))
	for i, authority := range authorities {
		go func(pos int, auth Authority) {
			resultCh <- indexed{pos: pos, result: f.fetchOne(ctx, auth)}
		}(i, authority)
	}

	results := make([]FetchResult, len(authorities))
	resolved := make([]bool, len(authorities))
	remaining := len(authorities)

	for remaining > 0 {
		select {
		case r := <-resultCh:
			results[r.pos] = r.result
			resolved[r.pos] = true
			remaining--
		case <-ctx.Done():
			for i, done := range resolved {
				if !done {
					results[i] = FetchResult{
						Authority: authorities[i],
						Status:    FetchStatusUnavailable,
						Err:       fmt.Errorf("run deadline exceeded: %w", ctx.Err()),
					}
				}
			}
			f.logger.Warn("Run deadline fired, abandoning in-flight fetches",
				zap.Int("unresolved", remaining))
			return results
		}
	}

	return results
}

// fetchOne retrieves one authority's vote document and, independently, its
// bandwidth document. The bandwidth document is optional: its failure never
// degrades a successful vote fetch.
func (f *Fetcher) fetchOne(ctx context.Context, authority Authority) FetchResult {
	f.metrics.mu.Lock()
	f.metrics.FetchesAttempted++
	f.metrics.LastFetch = time.Now()
	f.metrics.mu.Unlock()

	voteText, err := f.get(ctx, authority.Endpoint+votePath)
	if err != nil {
		f.metrics.mu.Lock()
		f.metrics.FetchesFailed++
		f.metrics.mu.Unlock()

		f.logger.Warn("Authority vote fetch failed",
			zap.String("authority", authority.Name),
			zap.Error(err))
		return FetchResult{
			Authority: authority,
			Status:    FetchStatusUnavailable,
			Err:       fmt.Errorf("fetching vote from %s: %w", authority.Name, err),
		}
	}

	// Scanner participation is probed from the vote text, not a fixed roster.
	authority.RunsBandwidthScanner = bytes.Contains(voteText, []byte(scannerMarker))

	document := &RawDocument{
		Authority: authority,
		VoteText:  voteText,
		FetchedAt: time.Now().UTC(),
	}

	if authority.RunsBandwidthScanner {
		bwText, err := f.get(ctx, authority.Endpoint+bandwidthPath)
		if err != nil {
			f.logger.Debug("Bandwidth document fetch failed",
				zap.String("authority", authority.Name),
				zap.Error(err))
		} else {
			document.BandwidthText = bwText
		}
	}

	f.metrics.mu.Lock()
	f.metrics.FetchesSucceeded++
	f.metrics.mu.Unlock()

	return FetchResult{
		Authority: authority,
		Status:    FetchStatusOK,
		Document:  document,
	}
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	return body, nil
}

// GetMetrics returns a copy of the current fetch metrics.
func (f *Fetcher) GetMetrics() FetcherMetrics {
	f.metrics.mu.RLock()
	defer f.metrics.mu.RUnlock()

	return FetcherMetrics{
		FetchesAttempted: f.metrics.FetchesAttempted,
		FetchesSucceeded: f.metrics.FetchesSucceeded,
		FetchesFailed:    f.metrics.FetchesFailed,
		LastFetch:        f.metrics.LastFetch,
	}
}
