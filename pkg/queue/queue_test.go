package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/queue"
)

type fakeBackend struct {
	mu       sync.Mutex
	nextID   int64
	messages []models.PendingMessage
}

func (f *fakeBackend) EnqueuePendingMessage(ctx context.Context, msg models.PendingMessage) (models.PendingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	msg.State = models.PendingMessageStatePending
	f.messages = append(f.messages, msg)
	return msg, nil
}

func (f *fakeBackend) PendingForSession(ctx context.Context, sessionID int64) ([]models.PendingMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PendingMessage
	for _, m := range f.messages {
		if m.SessionID == sessionID && m.State == models.PendingMessageStatePending {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeBackend) AllPendingSessionIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]bool{}
	var ids []int64
	for _, m := range f.messages {
		if m.State == models.PendingMessageStatePending && !seen[m.SessionID] {
			seen[m.SessionID] = true
			ids = append(ids, m.SessionID)
		}
	}
	return ids, nil
}

func (f *fakeBackend) MarkPendingProcessed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == id {
			f.messages[i].State = models.PendingMessageStateProcessed
		}
	}
	return nil
}

func (f *fakeBackend) CleanupProcessed(ctx context.Context, keepLast int) (int64, error) {
	return 0, nil
}

func TestQueue_IterateReplaysInInsertionOrder(t *testing.T) {
	backend := &fakeBackend{}
	q := queue.New(backend)

	_, err := q.Enqueue(context.Background(), models.PendingMessage{SessionID: 1, ToolName: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), models.PendingMessage{SessionID: 1, ToolName: "b"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var seen []string
	err = q.Iterate(ctx, 1, func(msg models.PendingMessage) error {
		seen = append(seen, msg.ToolName)
		return q.MarkProcessed(context.Background(), msg.ID)
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestQueue_EnqueueWakesBlockedIterate(t *testing.T) {
	backend := &fakeBackend{}
	q := queue.New(backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	go func() {
		_ = q.Iterate(ctx, 1, func(msg models.PendingMessage) error {
			received <- msg.ToolName
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(context.Background(), models.PendingMessage{SessionID: 1, ToolName: "woken"})
	require.NoError(t, err)

	select {
	case name := <-received:
		assert.Equal(t, "woken", name)
	case <-time.After(time.Second):
		t.Fatal("iterate did not observe the enqueued message")
	}
}

func TestQueue_ForgetDropsNotifyChannel(t *testing.T) {
	backend := &fakeBackend{}
	q := queue.New(backend)
	q.Forget(1) // no panic on an untouched session id
}
