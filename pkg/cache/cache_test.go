package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
	"consensus_health/pkg/vote"
)

func sampleSnapshot(roundTime time.Time) *Snapshot {
	nodeID := metadata.NodeID("AAAA4C35FFEB861329B9F1AB04C46397020CE31A")
	measured := int64(20000)
	return &Snapshot{
		RoundTime: roundTime,
		Documents: map[dirauth.AuthorityID]*vote.VoteDocument{
			"auth1": {
				Authority:  dirauth.Authority{ID: "auth1", Name: "moria1"},
				KnownFlags: map[string]bool{"Fast": true, "Running": true},
				Thresholds: map[string]float64{"fast-speed": 40960, "guard-wfu": 0.98},
				Entries: map[metadata.NodeID]*vote.VoteEntry{
					nodeID: {
						Nickname:          "relay1",
						Flags:             map[string]bool{"Fast": true, "Running": true},
						IPv4Reachable:     true,
						IPv6Status:        vote.IPv6NotTested,
						Stats:             vote.NodeStats{WFU: 0.99, TimeKnown: 800000 * time.Second},
						Bandwidth:         9001,
						MeasuredBandwidth: &measured,
					},
				},
				HasBandwidthScanner: true,
			},
		},
	}
}

func TestCache_StoreAndLoad(t *testing.T) {
	c, err := New(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)

	stored := sampleSnapshot(time.Now().UTC().Add(-10 * time.Minute))
	require.NoError(t, c.Store(stored))

	loaded, err := c.Load()
	require.NoError(t, err)
	assert.WithinDuration(t, stored.RoundTime, loaded.RoundTime, time.Second)

	doc := loaded.Documents["auth1"]
	require.NotNil(t, doc)
	assert.Equal(t, "moria1", doc.Authority.Name)
	assert.Equal(t, 40960.0, doc.Thresholds["fast-speed"])

	entry := doc.Entries[metadata.NodeID("AAAA4C35FFEB861329B9F1AB04C46397020CE31A")]
	require.NotNil(t, entry)
	assert.Equal(t, vote.IPv6NotTested, entry.IPv6Status)
	require.NotNil(t, entry.MeasuredBandwidth)
	assert.Equal(t, int64(20000), *entry.MeasuredBandwidth)
}

func TestCache_DiskRoundTrip(t *testing.T) {
	dir := t.TempDir()

	writer, err := New(dir, time.Hour, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, writer.Store(sampleSnapshot(time.Now().UTC())))

	// A fresh cache instance has a cold memory layer and must read the file.
	reader, err := New(dir, time.Hour, zap.NewNop())
	require.NoError(t, err)

	loaded, err := reader.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Documents, 1)
}

func TestCache_MissWhenEmpty(t *testing.T) {
	c, err := New(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCache)
}

func TestCache_ExpiredBeyondStalenessWindow(t *testing.T) {
	c, err := New(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)

	// One hour staleness bound, entry aged two hours.
	require.NoError(t, c.Store(sampleSnapshot(time.Now().UTC().Add(-2*time.Hour))))

	_, err = c.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestCache_WithinStalenessWindow(t *testing.T) {
	c, err := New(t.TempDir(), 3*time.Hour, zap.NewNop())
	require.NoError(t, err)

	// Aged one hour, bound three hours: usable for backfill.
	require.NoError(t, c.Store(sampleSnapshot(time.Now().UTC().Add(-time.Hour))))

	loaded, err := c.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Documents["auth1"])
}

func TestCache_CorruptFileIsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, time.Hour, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, cacheFileName), []byte("{not json"), 0644))

	_, err = c.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCache)
}

func TestCache_AtomicReplaceLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, time.Hour, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Store(sampleSnapshot(time.Now().UTC())))
	require.NoError(t, c.Store(sampleSnapshot(time.Now().UTC())))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cacheFileName, entries[0].Name())
}
