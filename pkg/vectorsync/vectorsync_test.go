package vectorsync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/toolscribe/toolscribe/pkg/models"
)

// TestSyncer_EnqueueDropsRatherThanBlocksOnFullQueue exercises the
// fire-and-forget overflow behavior (§4.4, §9) without a live qdrant
// connection: no worker drains s.jobs, so a full queue must make enqueue
// return immediately instead of blocking the caller.
func TestSyncer_EnqueueDropsRatherThanBlocksOnFullQueue(t *testing.T) {
	s := &Syncer{jobs: make(chan syncJob, 2)}

	s.SyncObservation(models.Observation{ID: 1, Title: "a"})
	s.SyncObservation(models.Observation{ID: 2, Title: "b"})
	s.SyncObservation(models.Observation{ID: 3, Title: "c"}) // queue full, must drop not block

	assert.Len(t, s.jobs, 2)
}

func TestSyncer_UpsertIsNoopWithoutEmbedder(t *testing.T) {
	s := &Syncer{embedder: nil}
	err := s.upsert(syncJob{id: "observation:1", text: "hello"})
	assert.NoError(t, err)
}

func TestSyncer_SyncSummaryBuildsExpectedJob(t *testing.T) {
	s := &Syncer{jobs: make(chan syncJob, 1)}
	s.SyncSummary(models.Summary{ID: 7, Project: "toolscribe", Request: "fix bug"})

	job := <-s.jobs
	assert.Equal(t, "summary:7", job.id)
	assert.Contains(t, job.text, "fix bug")
	assert.Equal(t, "toolscribe", job.metadata["project"])
}
