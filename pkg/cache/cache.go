package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/vote"
)

// Error variables for consistent error handling
var (
	ErrNoCache = errors.New("no usable cache entry")
	ErrExpired = errors.New("cache entry older than staleness window")
)

const (
	cacheFileName = "consensus-cache.json"
	memoryKey     = "latest"
)

// Snapshot is the persisted outcome of the last successful run: the round
// timestamp plus every parsed vote document, which carries everything a
// backfill needs (entries, per-authority thresholds, known flags, scanner
// bit).
type Snapshot struct {
	RoundTime time.Time                                  `json:"round_time"`
	Documents map[dirauth.AuthorityID]*vote.VoteDocument `json:"documents"`
}

// Cache persists the last successful snapshot to disk with a single-writer
// atomic-replace discipline, fronted by an in-memory TTL layer so repeated
// reads within the staleness window skip the disk entirely.
type Cache struct {
	path   string
	maxAge time.Duration
	memory *gocache.Cache
	logger *zap.Logger
}

// New creates a cache rooted in dir. maxAge is the staleness window beyond
// which entries are unusable for backfill.
func New(dir string, maxAge time.Duration, logger *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{
		path:   filepath.Join(dir, cacheFileName),
		maxAge: maxAge,
		memory: gocache.New(maxAge, maxAge),
		logger: logger,
	}, nil
}

// Store persists the snapshot: write to a temp file, then rename, so readers
// never observe a partial file.
func (c *Cache) Store(snapshot *Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding cache snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), cacheFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing cache file: %w", err)
	}

	c.memory.Set(memoryKey, snapshot, c.maxAge)

	c.logger.Debug("Cache snapshot stored",
		zap.Time("roundTime", snapshot.RoundTime),
		zap.Int("documents", len(snapshot.Documents)))

	return nil
}

// Load returns the most recent snapshot. ErrExpired is returned when the
// entry exists but is older than the staleness window; any unreadable or
// corrupt file is treated as a miss, never as a failure.
func (c *Cache) Load() (*Snapshot, error) {
	if cached, ok := c.memory.Get(memoryKey); ok {
		snapshot := cached.(*Snapshot)
		if age := time.Since(snapshot.RoundTime); age > c.maxAge {
			return nil, fmt.Errorf("%w: age %s", ErrExpired, age.Round(time.Second))
		}
		return snapshot, nil
	}

	payload, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCache
		}
		c.logger.Warn("Cache file unreadable, treating as miss", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNoCache, err)
	}

	snapshot := &Snapshot{}
	if err := json.Unmarshal(payload, snapshot); err != nil {
		c.logger.Warn("Cache file corrupt, treating as miss", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNoCache, err)
	}

	if age := time.Since(snapshot.RoundTime); age > c.maxAge {
		return nil, fmt.Errorf("%w: age %s", ErrExpired, age.Round(time.Second))
	}

	c.memory.Set(memoryKey, snapshot, c.maxAge)
	return snapshot, nil
}
