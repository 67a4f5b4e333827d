// Package queue implements the Pending Message Queue (C2): a durable,
// per-session FIFO of analyzer inputs backed by the Observation Store, with
// a blocking iterate() primitive so the Session Orchestrator (C4) never has
// to poll.
//
// The teacher's pkg/queue builds a generic worker pool (pool.go, worker.go)
// over a bounded in-memory channel. There is no pool here — each session
// has exactly one orchestrator reading its own queue — but the same idiom
// of a small struct owning a notify channel per logical worker, rather than
// a condition variable, carries over directly.
package queue

import (
	"context"
	"sync"

	"github.com/toolscribe/toolscribe/pkg/models"
)

// Backend is the subset of the Observation Store a Queue needs. Matching it
// against pkg/store's actual method set is a compile-time check that the
// store satisfies what the queue requires, without the queue package
// importing pkg/store directly.
type Backend interface {
	EnqueuePendingMessage(ctx context.Context, msg models.PendingMessage) (models.PendingMessage, error)
	PendingForSession(ctx context.Context, sessionID int64) ([]models.PendingMessage, error)
	AllPendingSessionIDs(ctx context.Context) ([]int64, error)
	MarkPendingProcessed(ctx context.Context, id int64) error
	CleanupProcessed(ctx context.Context, keepLast int) (int64, error)
}

// Queue durably queues analyzer inputs per session and lets exactly one
// reader per session block until new work (or a notify wake-up) arrives.
type Queue struct {
	backend Backend

	mu      sync.Mutex
	notify  map[int64]chan struct{}
}

// New builds a Queue over backend.
func New(backend Backend) *Queue {
	return &Queue{
		backend: backend,
		notify:  make(map[int64]chan struct{}),
	}
}

// Enqueue durably records msg and wakes any iterate() call blocked waiting
// on new work for msg.SessionID.
func (q *Queue) Enqueue(ctx context.Context, msg models.PendingMessage) (models.PendingMessage, error) {
	stored, err := q.backend.EnqueuePendingMessage(ctx, msg)
	if err != nil {
		return stored, err
	}
	q.wake(msg.SessionID)
	return stored, nil
}

// MarkProcessed flips a delivered message to processed so it is not
// re-yielded by a future iterate() call or restart.
func (q *Queue) MarkProcessed(ctx context.Context, id int64) error {
	return q.backend.MarkPendingProcessed(ctx, id)
}

// CleanupProcessed enforces the retention bound on processed messages
// (§4.2, §9); keepLast is the number of most recent processed rows kept
// across the whole store, not per session.
func (q *Queue) CleanupProcessed(ctx context.Context, keepLast int) (int64, error) {
	return q.backend.CleanupProcessed(ctx, keepLast)
}

// AllPendingSessionIDs lists sessions with undelivered work, used at
// startup to resume every orchestrator that a crash interrupted.
func (q *Queue) AllPendingSessionIDs(ctx context.Context) ([]int64, error) {
	return q.backend.AllPendingSessionIDs(ctx)
}

func (q *Queue) wake(sessionID int64) {
	q.mu.Lock()
	ch, ok := q.notify[sessionID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue) notifyChan(sessionID int64) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.notify[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.notify[sessionID] = ch
	}
	return ch
}

// Forget drops the notify channel for a session once its orchestrator has
// torn down, so the Queue does not retain state for sessions nobody
// iterates any more.
func (q *Queue) Forget(sessionID int64) {
	q.mu.Lock()
	delete(q.notify, sessionID)
	q.mu.Unlock()
}

// Iterate calls fn once for every currently-pending message for sessionID,
// oldest first, then blocks until either a new message is enqueued for the
// session or ctx is cancelled, and repeats. It never busy-waits: between
// batches it parks on a notify channel. Returning a non-nil error from fn
// stops iteration and propagates the error; ctx cancellation returns
// ctx.Err() with no error wrapping.
//
// A row stays in the pending state until the caller marks it processed,
// which for the Session Orchestrator happens only once the analyzer's
// reply for it has landed — well after fn returns. So each wake re-reads
// every still-pending row, including ones already handed to fn earlier in
// this same call. Iterate tracks the highest id it has yielded and only
// hands fn rows past that id, so within one live Iterate call each row is
// delivered exactly once (§4.2, §8 invariant 2). A fresh Iterate call — the
// one a restarted orchestrator makes — starts its cursor at 0, so a row
// left pending by a crash (never marked processed) is still re-yielded:
// that is the re-yield-on-restart primitive from §4.2.
func (q *Queue) Iterate(ctx context.Context, sessionID int64, fn func(models.PendingMessage) error) error {
	wake := q.notifyChan(sessionID)
	var lastYielded int64
	for {
		pending, err := q.backend.PendingForSession(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, msg := range pending {
			if msg.ID <= lastYielded {
				continue
			}
			if err := fn(msg); err != nil {
				return err
			}
			lastYielded = msg.ID
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
