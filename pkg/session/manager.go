// Package session implements the Session Manager (C5): the process-wide
// registry of active sessions that spawns one Session Orchestrator per
// session and guarantees at most one ever runs for a given session id at
// a time.
//
// Grounded directly on the teacher's pkg/session/manager.go: a
// map[id]*Session behind a single mutex, uuid-generated ids, and small
// Create/Get/Delete methods. The teacher's Manager holds conversation
// state for one in-process chat; this one holds one running orchestrator
// goroutine per entry instead, but the registry shape is unchanged.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolscribe/toolscribe/pkg/analyzer"
	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/orchestrator"
	"github.com/toolscribe/toolscribe/pkg/store"

	"github.com/cenkalti/backoff/v4"
)

// Backend is the subset of the Observation Store the manager needs to
// create and resurrect sessions.
type Backend interface {
	GetSessionByAssistantID(ctx context.Context, assistantSessionID string) (models.Session, error)
	GetSession(ctx context.Context, id int64) (models.Session, error)
	CreateSession(ctx context.Context, analyzerSessionID, assistantSessionID, project, firstPrompt string, nowEpoch int64) (models.Session, error)
	AdvancePrompt(ctx context.Context, sessionID int64, promptNumber int, promptText string) error
	InsertPrompt(ctx context.Context, assistantSessionID, project string, promptNumber int, text string, nowEpoch int64) (models.UserPrompt, error)
}

// Queue is the subset of the Pending Message Queue the manager needs.
type Queue interface {
	Enqueue(ctx context.Context, msg models.PendingMessage) (models.PendingMessage, error)
	Forget(sessionID int64)
	AllPendingSessionIDs(ctx context.Context) ([]int64, error)
}

// OrchestratorFactory builds the Orchestrator for one session, already
// wired with its per-session event sink.
type OrchestratorFactory func(session models.Session, events orchestrator.ObservationEvents) *orchestrator.Orchestrator

type activeSession struct {
	session models.Session
	cancel  context.CancelFunc
	done    chan struct{}
	depth   int
}

// Manager is the Session Manager (C5).
type Manager struct {
	backend     Backend
	queue       Queue
	newOrch     OrchestratorFactory
	events      orchestrator.ObservationEvents
	baseCtx     context.Context
	now         func() int64

	mu       sync.Mutex
	active   map[int64]*activeSession
	byAssist map[string]int64
}

// New builds a Manager. baseCtx is the parent context every orchestrator's
// context derives from; cancelling it drains every active session.
func New(baseCtx context.Context, backend Backend, queue Queue, newOrch OrchestratorFactory, events orchestrator.ObservationEvents) *Manager {
	return &Manager{
		backend:  backend,
		queue:    queue,
		newOrch:  newOrch,
		events:   events,
		baseCtx:  baseCtx,
		now:      func() int64 { return time.Now().UnixMilli() },
		active:   make(map[int64]*activeSession),
		byAssist: make(map[string]int64),
	}
}

// InitializeSession is idempotent per assistant session id: a second call
// for a session already running returns the existing session row without
// restarting its analyzer (§4.5).
func (m *Manager) InitializeSession(ctx context.Context, assistantSessionID, project, userPromptText string) (models.Session, error) {
	m.mu.Lock()
	if id, ok := m.byAssist[assistantSessionID]; ok {
		sess := m.active[id].session
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess, err := m.backend.GetSessionByAssistantID(ctx, assistantSessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess, err = m.backend.CreateSession(ctx, uuid.NewString(), assistantSessionID, project, userPromptText, m.now())
		if err != nil {
			return models.Session{}, err
		}
	case err != nil:
		return models.Session{}, err
	default:
		// Resurrected after a prior orchestrator completed or failed:
		// advance the prompt counter, preserving lastPromptNumber (§7).
		sess.LastPromptNumber++
		sess.CurrentPrompt = userPromptText
		if err := m.backend.AdvancePrompt(ctx, sess.ID, sess.LastPromptNumber, userPromptText); err != nil {
			return models.Session{}, err
		}
	}

	prompt, err := m.backend.InsertPrompt(ctx, assistantSessionID, project, sess.LastPromptNumber, userPromptText, m.now())
	if err != nil {
		return models.Session{}, err
	}
	m.events.EmitPrompt(prompt)

	m.start(sess)
	return sess, nil
}

func (m *Manager) start(sess models.Session) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	as := &activeSession{session: sess, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.active[sess.ID] = as
	m.byAssist[sess.AssistantSessionID] = sess.ID
	m.mu.Unlock()

	orch := m.newOrch(sess, &trackingEvents{manager: m, sessionID: sess.ID, underlying: m.events})

	go func() {
		defer close(as.done)
		if err := orch.Run(ctx); err != nil {
			slog.Error("session orchestrator failed", "session", sess.ID, "assistantSessionId", sess.AssistantSessionID, "error", err)
		}
		m.Delete(sess.ID)
	}()
}

// Resume restarts an orchestrator for every session id that still has
// pending (un-delivered) messages — the crash-recovery half of §4.4's
// failure semantics ("pending messages remain pending and will be
// re-yielded by a future orchestrator for the same session"). Call once at
// process startup, after New.
func (m *Manager) Resume(ctx context.Context) error {
	ids, err := m.queue.AllPendingSessionIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		sess, err := m.backend.GetSession(ctx, id)
		if err != nil {
			slog.Warn("resume: skipping session with pending messages but no session row", "sessionId", id, "error", err)
			continue
		}
		if sess.Status != models.SessionStatusActive {
			continue
		}
		m.start(sess)
	}
	return nil
}

// Lookup returns the currently-active session registered under an
// assistant session id, for inbound events that continue a prompt already
// in flight (no new userPrompt, so InitializeSession's resurrection path
// does not apply).
func (m *Manager) Lookup(assistantSessionID string) (models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byAssist[assistantSessionID]
	if !ok {
		return models.Session{}, false
	}
	return m.active[id].session, true
}

// Enqueue durably queues one pending message for sessionID.
func (m *Manager) Enqueue(ctx context.Context, msg models.PendingMessage) error {
	_, err := m.queue.Enqueue(ctx, msg)
	return err
}

// Delete removes a session from the active registry and emits the
// aggregate processing_status directly through the event sink (§4.5's
// sessionDeleted rebroadcast). Safe to call more than once.
func (m *Manager) Delete(sessionID int64) {
	m.mu.Lock()
	as, ok := m.active[sessionID]
	if ok {
		delete(m.active, sessionID)
		delete(m.byAssist, as.session.AssistantSessionID)
	}
	isProcessing := m.isAnyProcessingLocked()
	totalWork := m.totalActiveWorkLocked()
	m.mu.Unlock()
	if !ok {
		return
	}
	m.queue.Forget(sessionID)
	m.events.EmitProcessingStatus(isProcessing, totalWork)
}

func (m *Manager) setDepth(sessionID int64, depth int) {
	m.mu.Lock()
	if as, ok := m.active[sessionID]; ok {
		as.depth = depth
	}
	m.mu.Unlock()
}

// IsAnyProcessing reports whether any active session has outstanding work.
func (m *Manager) IsAnyProcessing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAnyProcessingLocked()
}

func (m *Manager) isAnyProcessingLocked() bool {
	for _, as := range m.active {
		if as.depth > 0 {
			return true
		}
	}
	return false
}

// TotalActiveWork is the sum of queued-plus-in-flight work across every
// active session.
func (m *Manager) TotalActiveWork() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalActiveWorkLocked()
}

func (m *Manager) totalActiveWorkLocked() int {
	total := 0
	for _, as := range m.active {
		total += as.depth
	}
	return total
}

// ActiveCount is the number of sessions currently registered.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// trackingEvents intercepts EmitProcessingStatus to keep the manager's
// per-session depth accounting current before forwarding to the real sink.
type trackingEvents struct {
	manager   *Manager
	sessionID int64
	underlying orchestrator.ObservationEvents
}

func (t *trackingEvents) EmitObservation(o models.Observation) { t.underlying.EmitObservation(o) }
func (t *trackingEvents) EmitSummary(s models.Summary)         { t.underlying.EmitSummary(s) }
func (t *trackingEvents) EmitPrompt(p models.UserPrompt)       { t.underlying.EmitPrompt(p) }
func (t *trackingEvents) EmitProcessingStatus(isProcessing bool, queueDepth int) {
	t.manager.setDepth(t.sessionID, queueDepth)
	t.underlying.EmitProcessingStatus(isProcessing, queueDepth)
}

// WithBackoffSpawn wraps an analyzer.Spawn call with a bounded exponential
// backoff retry, for the transient failures a freshly-built binary can hit
// under concurrent test/start load (e.g. "text file busy"). A failure that
// persists past the retry budget still propagates, preserving §7's
// "analyzer subprocess failure propagates" rule.
func WithBackoffSpawn(path string, args []string) orchestrator.AnalyzerSpawner {
	return func(ctx context.Context) (*analyzer.Process, error) {
		var proc *analyzer.Process
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		err := backoff.Retry(func() error {
			p, err := analyzer.Spawn(ctx, path, args)
			if err != nil {
				return err
			}
			proc = p
			return nil
		}, policy)
		return proc, err
	}
}
