package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateSession_AndGetSessionByAssistantID(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	sess, err := db.CreateSession(ctx, "analyzer-1", "assist-1", "toolscribe", "fix the bug", 1000)
	require.NoError(t, err)
	assert.NotZero(t, sess.ID)
	assert.Equal(t, 1, sess.LastPromptNumber)

	found, err := db.GetSessionByAssistantID(ctx, "assist-1")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, found.ID)
	assert.Equal(t, models.SessionStatusActive, found.Status)

	_, err = db.GetSessionByAssistantID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccumulateTokens_SumsAcrossCalls(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	sess, err := db.CreateSession(ctx, "a", "assist-1", "p", "prompt", 1000)
	require.NoError(t, err)

	cumIn, cumOut, err := db.AccumulateTokens(ctx, sess.ID, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cumIn)
	assert.Equal(t, int64(5), cumOut)

	cumIn, cumOut, err = db.AccumulateTokens(ctx, sess.ID, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(17), cumIn)
	assert.Equal(t, int64(8), cumOut)
}

func TestPendingMessages_EnqueueDeliverMarkProcessedThenCleanup(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	sess, err := db.CreateSession(ctx, "a", "assist-1", "p", "prompt", 1000)
	require.NoError(t, err)

	first, err := db.EnqueuePendingMessage(ctx, models.PendingMessage{SessionID: sess.ID, Kind: models.PendingMessageKindObservation, ToolName: "Read", CreatedAtEpoch: 1})
	require.NoError(t, err)
	second, err := db.EnqueuePendingMessage(ctx, models.PendingMessage{SessionID: sess.ID, Kind: models.PendingMessageKindObservation, ToolName: "Write", CreatedAtEpoch: 2})
	require.NoError(t, err)

	pending, err := db.PendingForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "Read", pending[0].ToolName, "oldest pending message must be yielded first")
	assert.Equal(t, "Write", pending[1].ToolName)

	ids, err := db.AllPendingSessionIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{sess.ID}, ids)

	require.NoError(t, db.MarkPendingProcessed(ctx, first.ID))
	require.NoError(t, db.MarkPendingProcessed(ctx, second.ID))

	pending, err = db.PendingForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "processed messages must not be re-yielded")

	affected, err := db.CleanupProcessed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected, "cleanup must leave exactly keepLast processed rows across the store")
}

func TestInsertObservation_EncodesListsAsJSONArrays(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	obs, err := db.InsertObservation(ctx, models.ObservationInsert{
		AssistantSessionID: "assist-1",
		Project:            "toolscribe",
		PromptNumber:       1,
		DiscoveryTokens:    42,
		Payload: models.ParsedObservation{
			Type:      "discovery",
			Title:     "found it",
			Facts:     []string{"a", "b"},
			FilesRead: []string{"main.go"},
		},
	}, 2000)
	require.NoError(t, err)
	assert.NotZero(t, obs.ID)
	assert.Equal(t, `["a","b"]`, obs.Facts)
	assert.Equal(t, []string{"main.go"}, store.FromJSONArray(obs.FilesRead))
	assert.Equal(t, "[]", obs.Concepts, "an empty list encodes as an empty JSON array, not null")

	listed, err := db.ListObservations(ctx, models.PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, obs.ID, listed[0].ID)
}

func TestListObservations_NewestFirstAndProjectScoped(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	insert := func(project string) models.Observation {
		obs, err := db.InsertObservation(ctx, models.ObservationInsert{
			AssistantSessionID: "assist-1",
			Project:            project,
			Payload:            models.ParsedObservation{Title: project},
		}, 1000)
		require.NoError(t, err)
		return obs
	}

	insert("alpha")
	second := insert("beta")
	third := insert("alpha")

	rows, err := db.ListObservations(ctx, models.PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, third.ID, rows[0].ID, "results must be newest first")

	project := "alpha"
	scoped, err := db.ListObservations(ctx, models.PageQuery{Project: &project, Limit: 10})
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	for _, r := range scoped {
		assert.Equal(t, "alpha", r.Project)
	}
	_ = second
}

func TestMarkSessionCompleted_FlipsStatus(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	sess, err := db.CreateSession(ctx, "a", "assist-1", "p", "prompt", 1000)
	require.NoError(t, err)

	require.NoError(t, db.MarkSessionCompleted(ctx, sess.ID))

	found, err := db.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, found.Status)
}
