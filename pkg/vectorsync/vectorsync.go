// Package vectorsync implements the Vector Index Sync (C9): a best-effort
// mirror of persisted observations and summaries into an external vector
// store, so the viewer UI (or a future semantic-search feature) can query
// over them by embedding similarity.
//
// Grounded on intelligencedev-manifold's qdrant_vector.go for the
// qdrant/go-client wiring (collection bootstrap, NewIDUUID point ids,
// NewValueMap payloads). That file calls an LLM embedding endpoint inline;
// this package instead takes an Embedder interface so the actual embedding
// model is somebody else's problem, matching §4.9's "interface only"
// scope for the vector index client.
package vectorsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/toolscribe/toolscribe/pkg/models"
)

// Embedder turns text into a vector. No implementation ships with this
// package — §1 treats the embedding model as an external collaborator.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Syncer is the Vector Index Sync. It owns a fixed-size worker pool so a
// burst of observation inserts never spawns unbounded goroutines; a pool
// slot that would block past the queue's capacity drops the job instead
// of stalling the caller (§9's "fixed-size worker pool with a bounded
// overflow-dropped queue" fallback for fire-and-forget spawn).
type Syncer struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder

	jobs chan syncJob
	wg   sync.WaitGroup
}

type syncJob struct {
	id       string
	text     string
	metadata map[string]string
}

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Config names the qdrant collection this Syncer mirrors into and the
// vector dimension it was created with.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimension  int
}

// New connects to qdrant, ensures the target collection exists, and starts
// the worker pool. embedder may be nil during development; syncs then
// become no-ops (logged at debug level) rather than failing.
func New(cfg Config, embedder Embedder) (*Syncer, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorsync: connect: %w", err)
	}

	ctx := context.Background()
	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("vectorsync: check collection: %w", err)
	}
	if !exists {
		if err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			client.Close()
			return nil, fmt.Errorf("vectorsync: create collection: %w", err)
		}
	}

	s := &Syncer{
		client:     client,
		collection: cfg.Collection,
		embedder:   embedder,
		jobs:       make(chan syncJob, defaultQueueSize),
	}
	for i := 0; i < defaultWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

func (s *Syncer) worker() {
	defer s.wg.Done()
	for job := range s.jobs {
		if err := s.upsert(job); err != nil {
			slog.Warn("vectorsync: upsert failed", "id", job.id, "error", err)
		}
	}
}

func (s *Syncer) upsert(job syncJob) error {
	if s.embedder == nil {
		slog.Debug("vectorsync: no embedder configured, skipping", "id", job.id)
		return nil
	}
	ctx := context.Background()
	vector, err := s.embedder.Embed(ctx, job.text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	metadataAny := make(map[string]any, len(job.metadata))
	for k, v := range job.metadata {
		metadataAny[k] = v
	}
	pointID := qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.id)).String())
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      pointID,
			Vectors: qdrant.NewVectorsDense(vector),
			Payload: qdrant.NewValueMap(metadataAny),
		}},
	})
	return err
}

// enqueue submits a fire-and-forget sync job. A full queue drops the job
// rather than blocking the orchestrator's critical path (§4.4: "fire C9
// sync (best-effort, failure logged and swallowed)").
func (s *Syncer) enqueue(job syncJob) {
	select {
	case s.jobs <- job:
	default:
		slog.Warn("vectorsync: queue full, dropping sync", "id", job.id)
	}
}

// SyncObservation mirrors one observation into the vector index.
func (s *Syncer) SyncObservation(obs models.Observation) {
	s.enqueue(syncJob{
		id:   fmt.Sprintf("observation:%d", obs.ID),
		text: obs.Title + "\n" + obs.Subtitle + "\n" + obs.Narrative + "\n" + obs.Text,
		metadata: map[string]string{
			"kind":               "observation",
			"assistantSessionId": obs.AssistantSessionID,
			"project":            obs.Project,
			"type":               obs.Type,
		},
	})
}

// SyncSummary mirrors one session summary into the vector index.
func (s *Syncer) SyncSummary(sum models.Summary) {
	s.enqueue(syncJob{
		id:   fmt.Sprintf("summary:%d", sum.ID),
		text: sum.Request + "\n" + sum.Investigated + "\n" + sum.Learned + "\n" + sum.Completed,
		metadata: map[string]string{
			"kind":    "summary",
			"project": sum.Project,
		},
	})
}

// Close stops accepting new jobs, drains the queue, and closes the qdrant
// connection.
func (s *Syncer) Close() error {
	close(s.jobs)
	s.wg.Wait()
	return s.client.Close()
}
