package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/toolscribe/toolscribe/pkg/events"
	"github.com/toolscribe/toolscribe/pkg/metrics"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`
		CREATE TABLE observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			subtitle TEXT NOT NULL DEFAULT '',
			narrative TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			facts TEXT NOT NULL DEFAULT '[]',
			concepts TEXT NOT NULL DEFAULT '[]',
			files_read TEXT NOT NULL DEFAULT '[]',
			files_modified TEXT NOT NULL DEFAULT '[]',
			prompt_number INTEGER NOT NULL DEFAULT 0,
			created_at_epoch INTEGER NOT NULL,
			discovery_tokens INTEGER NOT NULL DEFAULT 0
		)`)
	require.NoError(t, err)
	return db
}

func insertObservation(t *testing.T, db *sqlx.DB, project, title string, discoveryTokens int64, createdAt int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO observations (project, title, discovery_tokens, created_at_epoch)
		VALUES (?, ?, ?, ?)`, project, title, discoveryTokens, createdAt)
	require.NoError(t, err)
}

func TestSummary_CompressionMathScenario(t *testing.T) {
	db := newTestDB(t)
	insertObservation(t, db, "demo", "ok", 40, time.Now().UnixMilli())

	eng := metrics.New(db, nil)
	project := "demo"
	summary, err := eng.Summary(context.Background(), &project, "")
	require.NoError(t, err)

	require.Equal(t, int64(1), summary.TotalObservations)
	require.Equal(t, int64(1), summary.TotalReadTokens)
	require.Equal(t, int64(40), summary.TotalDiscoveryTokens)
	require.Equal(t, int64(39), summary.Savings)
	require.Equal(t, float64(98), summary.SavingsPercent)
	require.Equal(t, 40.0, summary.EfficiencyGain)
}

func TestProjection_EmptyProjectIsAllZero(t *testing.T) {
	db := newTestDB(t)
	eng := metrics.New(db, nil)

	project := "nonesuch"
	proj, err := eng.Projection(context.Background(), &project, 50)
	require.NoError(t, err)

	require.Equal(t, metrics.EndlessModeProjection{}, proj)
}

func TestBroadcastTokenUpdate_ThrottledToOncePerSecond(t *testing.T) {
	db := newTestDB(t)
	insertObservation(t, db, "demo", "a", 10, time.Now().UnixMilli())

	var publishes int
	pub := publisherFunc(func(events.Event) { publishes++ })
	eng := metrics.New(db, pub)

	for i := 0; i < 5; i++ {
		require.NoError(t, eng.BroadcastTokenUpdate(context.Background(), nil))
	}
	require.Equal(t, 1, publishes)
}

type publisherFunc func(events.Event)

func (f publisherFunc) Publish(e events.Event) { f(e) }
