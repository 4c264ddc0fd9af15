package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"consensus_health/pkg/cache"
	"consensus_health/pkg/config"
	"consensus_health/pkg/consensus"
	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
	"consensus_health/pkg/report"
	"consensus_health/pkg/vote"
)

// Metrics tracks engine run outcomes.
type Metrics struct {
	RunsStarted     int64
	RunsCompleted   int64
	RunsDegraded    int64
	RunsUnavailable int64
	RunsFailed      int64
	AverageDuration time.Duration
	LastRun         time.Time
	mu              sync.RWMutex
}

// Engine wires the full pipeline: registry, fetcher, parser, index builder,
// eligibility evaluator, cache write-through, and report formatting.
type Engine struct {
	cfg       *config.Config
	meta      metadata.Client
	fetcher   *dirauth.Fetcher
	parser    *vote.Parser
	cache     *cache.Cache
	formatter *report.Formatter
	logger    *zap.Logger
	metrics   *Metrics
}

// New creates an engine from its collaborators. The authority set is always
// rediscovered per run from the metadata snapshot, never carried over.
func New(cfg *config.Config, meta metadata.Client, fetcher *dirauth.Fetcher, c *cache.Cache, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		meta:      meta,
		fetcher:   fetcher,
		parser:    vote.NewParser(logger),
		cache:     c,
		formatter: report.NewFormatter(),
		logger:    logger,
		metrics:   &Metrics{},
	}
}

// authorityData is the resolved per-authority outcome after fetch, parse,
// and cache backfill.
type authorityData struct {
	authority dirauth.Authority
	document  *vote.VoteDocument
	status    report.AvailabilityStatus
}

// Run executes one diagnostic round under the configured deadline and
// returns the report. Authority-scoped failures degrade; only a zero-size
// authority registry is a run-level error.
func (e *Engine) Run(ctx context.Context) (*report.DiagnosticsReport, error) {
	runID := uuid.New().String()
	started := time.Now()

	e.metrics.mu.Lock()
	e.metrics.RunsStarted++
	e.metrics.LastRun = started
	e.metrics.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Fetch.RunDeadline)
	defer cancel()

	logger := e.logger.With(zap.String("runID", runID))
	logger.Info("Starting consensus diagnostics run")

	snapshot, err := e.meta.FetchSnapshot(runCtx)
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("fetching metadata snapshot: %w", err)
	}

	registry, err := dirauth.NewRegistry(snapshot, logger)
	if err != nil {
		e.recordFailure()
		return nil, fmt.Errorf("building authority registry: %w", err)
	}

	authorities := registry.Authorities()
	results := e.fetcher.FetchAll(runCtx, authorities)
	resolved, errs := e.parseAll(results)

	resolved = e.backfill(resolved, logger)

	if errs != nil {
		logger.Warn("Authority-scoped failures this round",
			zap.Int("failures", len(errs.Errors)),
			zap.Error(errs))
	}

	documents := make([]*vote.VoteDocument, 0, len(resolved))
	byAuthority := make(map[dirauth.AuthorityID]*vote.VoteDocument)
	statuses := make([]report.AuthorityStatus, 0, len(resolved))
	stale := make(map[dirauth.AuthorityID]bool)
	var roundTime time.Time

	for _, data := range resolved {
		statuses = append(statuses, report.AuthorityStatus{
			ID:     data.authority.ID,
			Name:   data.authority.Name,
			Status: data.status,
		})
		if data.document == nil {
			continue
		}
		documents = append(documents, data.document)
		byAuthority[data.authority.ID] = data.document
		if data.status == report.AuthorityStale {
			stale[data.authority.ID] = true
		}
		if data.document.Published.After(roundTime) {
			roundTime = data.document.Published
		}
	}

	if len(documents) == 0 {
		logger.Error("No usable authority data, emitting unavailable report")
		e.metrics.mu.Lock()
		e.metrics.RunsUnavailable++
		e.metrics.mu.Unlock()
		return e.formatter.BuildUnavailable(runID, authorities), nil
	}

	index := consensus.BuildIndex(documents)

	// Write-through: persist only freshly fetched documents so a later
	// backfill never re-serves another round's stale data as its own.
	e.writeThrough(roundTime, resolved, logger)

	evaluator := consensus.NewEvaluator(index, byAuthority, snapshot, authorities, stale, logger)
	diagnostics := e.formatter.Build(runID, roundTime, evaluator, index, snapshot, statuses)

	duration := time.Since(started)
	e.metrics.mu.Lock()
	e.metrics.RunsCompleted++
	if len(stale) > 0 || len(documents) < len(authorities) {
		e.metrics.RunsDegraded++
	}
	if e.metrics.AverageDuration == 0 {
		e.metrics.AverageDuration = duration
	} else {
		e.metrics.AverageDuration = (e.metrics.AverageDuration + duration) / 2
	}
	e.metrics.mu.Unlock()

	logger.Info("Consensus diagnostics run complete",
		zap.Int("authorities", len(authorities)),
		zap.Int("documents", len(documents)),
		zap.Int("stale", len(stale)),
		zap.Int("nodes", len(diagnostics.Nodes)),
		zap.Duration("duration", duration))

	return diagnostics, nil
}

// parseAll parses fetched documents concurrently; each parser works on its
// own document with no shared mutable state. Fetch and parse failures both
// leave the authority Unavailable pending backfill.
func (e *Engine) parseAll(results []dirauth.FetchResult) ([]authorityData, *multierror.Error) {
	resolved := make([]authorityData, len(results))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	var errs *multierror.Error

	for i, result := range results {
		resolved[i] = authorityData{
			authority: result.Authority,
			status:    report.AuthorityUnavailable,
		}

		if result.Status != dirauth.FetchStatusOK {
			mu.Lock()
			errs = multierror.Append(errs, result.Err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(pos int, raw *dirauth.RawDocument) {
			defer wg.Done()

			doc, err := e.parser.Parse(raw.Authority, raw.VoteText)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("parsing vote from %s: %w", raw.Authority.Name, err))
				mu.Unlock()
				return
			}

			mu.Lock()
			resolved[pos].document = doc
			resolved[pos].status = report.AuthorityOK
			mu.Unlock()
		}(i, result.Document)
	}

	wg.Wait()
	return resolved, errs
}

// backfill merges cached documents for unavailable authorities when too few
// are reachable live. Backfilled authorities are marked Stale. When a cached
// document claims a bandwidth scanner the live round no longer shows, its
// measured values are dropped immediately rather than trusted through the
// staleness window.
func (e *Engine) backfill(resolved []authorityData, logger *zap.Logger) []authorityData {
	live := 0
	for _, data := range resolved {
		if data.status == report.AuthorityOK {
			live++
		}
	}
	if len(resolved) == 0 {
		return resolved
	}

	fraction := float64(live) / float64(len(resolved))
	if fraction >= e.cfg.Cache.MinReachableFraction && live > 0 {
		return resolved
	}

	snapshot, err := e.cache.Load()
	if err != nil {
		logger.Warn("Backfill wanted but cache unusable",
			zap.Float64("reachableFraction", fraction),
			zap.Error(err))
		return resolved
	}

	backfilled := 0
	for i, data := range resolved {
		if data.status == report.AuthorityOK {
			continue
		}
		cached, ok := snapshot.Documents[data.authority.ID]
		if !ok {
			continue
		}
		resolved[i].document = scrubStaleMeasurements(cached)
		resolved[i].status = report.AuthorityStale
		backfilled++
	}

	if backfilled > 0 {
		logger.Info("Backfilled unavailable authorities from cache",
			zap.Int("backfilled", backfilled),
			zap.Time("cacheRound", snapshot.RoundTime))
	}

	return resolved
}

// scrubStaleMeasurements drops measured-bandwidth values from a cached
// document whose authority may have stopped running its scanner since the
// cached round.
func scrubStaleMeasurements(doc *vote.VoteDocument) *vote.VoteDocument {
	if !doc.HasBandwidthScanner {
		return doc
	}

	scrubbed := *doc
	scrubbed.HasBandwidthScanner = false
	scrubbed.Entries = make(map[metadata.NodeID]*vote.VoteEntry, len(doc.Entries))
	for id, entry := range doc.Entries {
		copied := *entry
		copied.MeasuredBandwidth = nil
		scrubbed.Entries[id] = &copied
	}
	return &scrubbed
}

// writeThrough persists the freshly fetched documents after a successful
// build. Cache failures are logged and ignored; they never fail the run.
func (e *Engine) writeThrough(roundTime time.Time, resolved []authorityData, logger *zap.Logger) {
	fresh := make(map[dirauth.AuthorityID]*vote.VoteDocument)
	for _, data := range resolved {
		if data.status == report.AuthorityOK && data.document != nil {
			fresh[data.authority.ID] = data.document
		}
	}
	if len(fresh) == 0 {
		return
	}

	if roundTime.IsZero() {
		roundTime = time.Now().UTC()
	}

	if err := e.cache.Store(&cache.Snapshot{RoundTime: roundTime, Documents: fresh}); err != nil {
		logger.Warn("Cache write-through failed", zap.Error(err))
	}
}

func (e *Engine) recordFailure() {
	e.metrics.mu.Lock()
	e.metrics.RunsFailed++
	e.metrics.mu.Unlock()
}

// GetMetrics returns a copy of the engine metrics.
func (e *Engine) GetMetrics() Metrics {
	e.metrics.mu.RLock()
	defer e.metrics.mu.RUnlock()

	return Metrics{
		RunsStarted:     e.metrics.RunsStarted,
		RunsCompleted:   e.metrics.RunsCompleted,
		RunsDegraded:    e.metrics.RunsDegraded,
		RunsUnavailable: e.metrics.RunsUnavailable,
		RunsFailed:      e.metrics.RunsFailed,
		AverageDuration: e.metrics.AverageDuration,
		LastRun:         e.metrics.LastRun,
	}
}
