package vote

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"consensus_health/pkg/dirauth"
	"consensus_health/pkg/metadata"
)

// Error variables for consistent error handling
var (
	ErrNotAVote       = errors.New("document is not a vote")
	ErrMissingFlags   = errors.New("vote has no known-flags line")
	ErrMalformedEntry = errors.New("malformed vote entry")
)

const publishedLayout = "2006-01-02 15:04:05"

// Parser turns raw vote text into a structured VoteDocument. Parsers share
// no mutable state, so documents can be parsed concurrently.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a vote document parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse parses one authority's raw vote text. Individual malformed node
// entries are skipped and counted; only a document that is unusable as a
// whole (wrong type, no flag vocabulary) returns an error.
func (p *Parser) Parse(authority dirauth.Authority, raw []byte) (*VoteDocument, error) {
	doc := &VoteDocument{
		Authority:  authority,
		KnownFlags: make(map[string]bool),
		Thresholds: make(map[string]float64),
		Entries:    make(map[metadata.NodeID]*VoteEntry),
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		isVote     bool
		entryLines []string
		entryCount int
	)

	flushEntry := func() {
		if len(entryLines) == 0 {
			return
		}
		entryCount++
		id, entry, err := p.parseEntry(entryLines)
		if err != nil {
			doc.SkippedEntries++
			p.logger.Debug("Skipping malformed vote entry",
				zap.String("authority", authority.Name),
				zap.Error(err))
		} else {
			doc.Entries[id] = entry
		}
		entryLines = entryLines[:0]
	}

	inEntries := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		keyword, rest, _ := strings.Cut(line, " ")

		if keyword == "r" {
			flushEntry()
			inEntries = true
		}
		if inEntries {
			entryLines = append(entryLines, line)
			continue
		}

		switch keyword {
		case "vote-status":
			isVote = rest == "vote"
		case "published":
			if ts, err := time.Parse(publishedLayout, rest); err == nil {
				doc.Published = ts.UTC()
			}
		case "known-flags":
			for _, flag := range strings.Fields(rest) {
				doc.KnownFlags[flag] = true
			}
		case "flag-thresholds":
			doc.Thresholds = parseThresholds(rest)
		case "bandwidth-file-headers":
			doc.HasBandwidthScanner = true
		}
	}
	flushEntry()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning vote text: %w", err)
	}
	if !isVote {
		return nil, ErrNotAVote
	}
	if len(doc.KnownFlags) == 0 {
		return nil, ErrMissingFlags
	}

	p.logger.Debug("Parsed vote document",
		zap.String("authority", authority.Name),
		zap.Int("entries", len(doc.Entries)),
		zap.Int("skipped", doc.SkippedEntries),
		zap.Bool("bandwidthScanner", doc.HasBandwidthScanner))

	return doc, nil
}

// parseThresholds reads the per-document threshold table. The field set is
// arbitrary: every well-formed key=value pair is kept, known or not.
// Percentage values are normalized to fractions.
func parseThresholds(rest string) map[string]float64 {
	thresholds := make(map[string]float64)
	for _, field := range strings.Fields(rest) {
		key, value, ok := strings.Cut(field, "=")
		if !ok || key == "" {
			continue
		}
		percent := strings.HasSuffix(value, "%")
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		if err != nil {
			continue
		}
		if percent {
			parsed /= 100
		}
		thresholds[key] = parsed
	}
	return thresholds
}

// parseEntry parses one node's group of lines, starting at its "r" line.
func (p *Parser) parseEntry(lines []string) (metadata.NodeID, *VoteEntry, error) {
	entry := &VoteEntry{
		Flags:      make(map[string]bool),
		IPv6Status: IPv6NotTested,
	}

	var id metadata.NodeID
	for _, line := range lines {
		keyword, rest, _ := strings.Cut(line, " ")

		switch keyword {
		case "r":
			fields := strings.Fields(rest)
			if len(fields) < 2 {
				return "", nil, fmt.Errorf("%w: short r line", ErrMalformedEntry)
			}
			parsed, err := metadata.ParseNodeID(fields[1])
			if err != nil {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
			}
			entry.Nickname = fields[0]
			id = parsed
		case "s":
			for _, flag := range strings.Fields(rest) {
				entry.Flags[flag] = true
			}
		case "reach":
			if err := parseReachability(rest, entry); err != nil {
				return "", nil, err
			}
		case "stats":
			if err := parseStats(rest, entry); err != nil {
				return "", nil, err
			}
		case "w":
			if err := parseBandwidth(rest, entry); err != nil {
				return "", nil, err
			}
		}
	}

	if id == "" {
		return "", nil, fmt.Errorf("%w: no identity", ErrMalformedEntry)
	}
	return id, entry, nil
}

// parseReachability reads the reach line. The ipv6 key is present only when
// the authority tests IPv6; its absence maps to NotTested.
func parseReachability(rest string, entry *VoteEntry) error {
	for _, field := range strings.Fields(rest) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("%w: reach field %q", ErrMalformedEntry, field)
		}
		up, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: reach value %q", ErrMalformedEntry, value)
		}
		switch key {
		case "ipv4":
			entry.IPv4Reachable = up
		case "ipv6":
			if up {
				entry.IPv6Status = IPv6Reachable
			} else {
				entry.IPv6Status = IPv6Unreachable
			}
		}
	}
	return nil
}

// parseStats reads the stats line: wfu as a fraction, tk and mtbf in seconds.
func parseStats(rest string, entry *VoteEntry) error {
	for _, field := range strings.Fields(rest) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("%w: stats field %q", ErrMalformedEntry, field)
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: stats value %q", ErrMalformedEntry, value)
		}
		switch key {
		case "wfu":
			entry.Stats.WFU = parsed
		case "tk":
			entry.Stats.TimeKnown = time.Duration(parsed * float64(time.Second))
		case "mtbf":
			entry.Stats.MTBF = time.Duration(parsed * float64(time.Second))
		}
	}
	return nil
}

// parseBandwidth reads the w line. Measured is optional: only authorities
// running a bandwidth scanner publish it.
func parseBandwidth(rest string, entry *VoteEntry) error {
	for _, field := range strings.Fields(rest) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("%w: bandwidth field %q", ErrMalformedEntry, field)
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bandwidth value %q", ErrMalformedEntry, value)
		}
		switch key {
		case "Bandwidth":
			entry.Bandwidth = parsed
		case "Measured":
			measured := parsed
			entry.MeasuredBandwidth = &measured
		}
	}
	return nil
}
