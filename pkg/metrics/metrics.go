// Package metrics implements the Token Metrics Engine (C7): a read-mostly
// aggregation layer over the Observation Store that turns raw discovery-
// token spend into the savings/compression numbers the viewer UI shows,
// with an in-memory TTL cache and a throttled live push.
//
// The teacher has no equivalent read-aggregation layer; this package is
// grounded on the teacher's general "small struct, mutex-protected map,
// explicit TTL" idiom (seen in pkg/config and pkg/cleanup) rather than on
// any one teacher file. The SQL aggregation itself is plain jmoiron/sqlx
// row scanning: the read-token heuristic depends on decoding each
// observation's JSON-array columns, which SQLite's query engine cannot do
// cleanly, so every query here fetches the filtered row set and aggregates
// in Go — the fallback §4.1 explicitly allows.
package metrics

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/toolscribe/toolscribe/pkg/events"
	"github.com/toolscribe/toolscribe/pkg/store"
)

// EventPublisher is the capability the engine needs to push live
// token_update events; satisfied by *events.Broadcaster.
type EventPublisher interface {
	Publish(events.Event)
}

const (
	defaultCacheTTL    = 30 * time.Second
	projectionCacheTTL = 300 * time.Second
	broadcastInterval  = time.Second
)

// Engine is the Token Metrics Engine.
type Engine struct {
	db        *sqlx.DB
	publisher EventPublisher

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	broadcastMu   sync.Mutex
	lastBroadcast time.Time
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// New builds an Engine reading from db (the store's read handle) and
// publishing token_update events through publisher.
func New(db *sqlx.DB, publisher EventPublisher) *Engine {
	return &Engine{
		db:        db,
		publisher: publisher,
		cache:     make(map[string]cacheEntry),
	}
}

// ---------------------------------------------------------------------
// Read-token heuristic (§4.7)
// ---------------------------------------------------------------------

// obsRow is the subset of the observations table the aggregation queries
// need.
type obsRow struct {
	ID              int64  `db:"id"`
	Project         string `db:"project"`
	Type            string `db:"type"`
	Title           string `db:"title"`
	Subtitle        string `db:"subtitle"`
	Narrative       string `db:"narrative"`
	Facts           string `db:"facts"`
	Concepts        string `db:"concepts"`
	FilesRead       string `db:"files_read"`
	FilesModified   string `db:"files_modified"`
	DiscoveryTokens int64  `db:"discovery_tokens"`
	CreatedAtEpoch  int64  `db:"created_at_epoch"`
}

// charLen computes S from §4.7: title + subtitle + narrative + the
// concatenation (no separators, no brackets or quotes) of each JSON-array
// field's elements. A field that fails to decode as a JSON array falls
// back to its raw string length, per the spec's parse-failure rule.
func charLen(r obsRow) int {
	n := len(r.Title) + len(r.Subtitle) + len(r.Narrative)
	n += concatLen(r.Facts)
	n += concatLen(r.Concepts)
	n += concatLen(r.FilesRead)
	n += concatLen(r.FilesModified)
	return n
}

func concatLen(raw string) int {
	items := store.FromJSONArray(raw)
	if items == nil && raw != "" && raw != "[]" {
		return len(raw)
	}
	total := 0
	for _, item := range items {
		total += len(item)
	}
	return total
}

// readTokens is ceil(S/4).
func readTokens(r obsRow) int64 {
	s := charLen(r)
	return int64(math.Ceil(float64(s) / 4.0))
}

// ---------------------------------------------------------------------
// since parsing
// ---------------------------------------------------------------------

var relativeSince = regexp.MustCompile(`^(\d+)(h|d|w)$`)

// ParseSince exposes the §4.7 `since` grammar (relative duration or
// ISO-8601 timestamp) for other packages that need the same lower-bound
// filter outside of a token query, e.g. the Performance Tracker endpoints.
func ParseSince(since string) (epochMillis int64, bounded bool) {
	return parseSince(since)
}

// parseSince interprets a `since` filter string per §4.7: a relative
// duration (`24h`, `7d`, `2w`), an ISO-8601 timestamp, or — for anything
// else, including the empty string — no lower bound at all.
func parseSince(since string) (epochMillis int64, bounded bool) {
	if since == "" {
		return 0, false
	}
	if m := relativeSince.FindStringSubmatch(since); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		var unit time.Duration
		switch m[2] {
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		case "w":
			unit = 7 * 24 * time.Hour
		}
		return time.Now().Add(-time.Duration(n) * unit).UnixMilli(), true
	}
	if t, err := time.Parse(time.RFC3339, since); err == nil {
		return t.UnixMilli(), true
	}
	return 0, false
}

func (e *Engine) fetch(ctx context.Context, project *string, since string, orderDesc bool, limit int) ([]obsRow, error) {
	query := "SELECT id, project, type, title, subtitle, narrative, facts, concepts, files_read, files_modified, discovery_tokens, created_at_epoch FROM observations WHERE 1=1"
	var args []any
	if project != nil {
		query += " AND project = ?"
		args = append(args, *project)
	}
	if sinceMs, bounded := parseSince(since); bounded {
		query += " AND created_at_epoch >= ?"
		args = append(args, sinceMs)
	}
	if orderDesc {
		query += " ORDER BY id DESC"
	} else {
		query += " ORDER BY id ASC"
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []obsRow
	err := e.db.SelectContext(ctx, &rows, query, args...)
	return rows, err
}

// ---------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------

func (e *Engine) cached(key string, ttl time.Duration, compute func() (any, error)) (any, error) {
	e.cacheMu.Lock()
	if entry, ok := e.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		e.cacheMu.Unlock()
		return entry.value, nil
	}
	e.cacheMu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	e.cacheMu.Lock()
	e.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	e.cacheMu.Unlock()
	return value, nil
}

// InvalidateCache drops cached entries affected by a new write. With a
// project given, that project's entries (including its projection) and the
// project-agnostic "all projects" entries (including the by-project
// ranking) are dropped; with project nil, every entry is dropped, which
// covers §4.7's "all summary:* keys if project is absent" rule.
func (e *Engine) InvalidateCache(project *string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if project == nil {
		for key := range e.cache {
			delete(e.cache, key)
		}
		return
	}
	suffix := "|" + *project
	for key := range e.cache {
		switch {
		case strings.HasSuffix(key, suffix), strings.HasSuffix(key, "|"):
			delete(e.cache, key)
		case strings.HasPrefix(key, "projection"+suffix+"|"), strings.HasPrefix(key, "projection||"), strings.HasPrefix(key, "by-project|"):
			delete(e.cache, key)
		}
	}
}

func round(v float64) float64 {
	return math.Round(v)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
