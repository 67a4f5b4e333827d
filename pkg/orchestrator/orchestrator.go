// Package orchestrator implements the Session Orchestrator (C4): the
// per-session event-driven pump that drives the analyzer subprocess,
// streams pending tool-activity events into it, parses its replies,
// persists the results with token accounting, and fans updates out to the
// rest of the system.
//
// The teacher has no single equivalent — its closest analogue is
// pkg/agent/orchestrator (the LLM tool-calling loop) combined with
// pkg/queue's worker idiom — but the capability-injection shape this
// package uses (three narrow interfaces instead of a shared "worker"
// handle, per §9's design notes) is grounded directly in how the teacher's
// llm_grpc.go Generate method hands back a channel of typed chunks for a
// caller-owned consumer loop to range over, rather than calling back into
// the caller itself.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolscribe/toolscribe/pkg/analyzer"
	"github.com/toolscribe/toolscribe/pkg/models"
	"github.com/toolscribe/toolscribe/pkg/parser"
)

// State is the orchestrator's lifecycle stage (§4.4's state machine).
type State string

const (
	StateInitializing State = "initializing"
	StateRunning       State = "running"
	StateDraining      State = "draining"
	StateCompleted     State = "completed"
	StateAborted       State = "aborted"
)

// drainGrace bounds how long Run waits for the feed goroutine to return
// once the reply stream has ended. Cancelling Run's context kills the
// analyzer subprocess at once; Run does not wait for replies the analyzer
// has not yet written.
const drainGrace = 5 * time.Second

// ObservationEvents is the capability to emit the four record-shaped live
// events the orchestrator produces directly (§9: replaces a cyclic
// reference to the broadcaster with a one-way interface).
type ObservationEvents interface {
	EmitObservation(models.Observation)
	EmitSummary(models.Summary)
	EmitPrompt(models.UserPrompt)
	EmitProcessingStatus(isProcessing bool, queueDepth int)
}

// MetricsSink is the capability to invalidate the Token Metrics Engine's
// cache, trigger its throttled live push, and record one Performance
// Tracker sample — the "record a processing sample" capability named in §9.
type MetricsSink interface {
	InvalidateCache(project *string)
	BroadcastTokenUpdate(ctx context.Context, project *string) error
	RecordSample(atEpochMillis, durationMillis int64, observationCount int, discoveryTokens int64)
}

// PendingMessages is the capability to iterate and retire a session's
// queued analyzer inputs — pkg/queue.Queue satisfies this directly.
type PendingMessages interface {
	Iterate(ctx context.Context, sessionID int64, fn func(models.PendingMessage) error) error
	MarkProcessed(ctx context.Context, id int64) error
	CleanupProcessed(ctx context.Context, keepLast int) (int64, error)
}

// VectorSync is the optional best-effort mirror capability (C9); a nil
// VectorSync simply skips syncing.
type VectorSync interface {
	SyncObservation(models.Observation)
	SyncSummary(models.Summary)
}

// Backend is the subset of the Observation Store the orchestrator writes
// through directly (as opposed to the capabilities above, which exist to
// avoid a cyclic reference to the broadcaster/metrics engine/queue).
type Backend interface {
	AccumulateTokens(ctx context.Context, sessionID int64, deltaInput, deltaOutput int64) (cumInput, cumOutput int64, err error)
	InsertObservation(ctx context.Context, ins models.ObservationInsert, nowEpoch int64) (models.Observation, error)
	InsertSummary(ctx context.Context, sessionID int64, project string, p models.ParsedSummary, nowEpoch int64) (models.Summary, error)
	MarkSessionCompleted(ctx context.Context, sessionID int64) error
}

// AnalyzerSpawner starts the analyzer subprocess for a session.
type AnalyzerSpawner func(ctx context.Context) (*analyzer.Process, error)

// NowFunc returns the current time in epoch milliseconds; overridden in
// tests for determinism.
type NowFunc func() int64

// Orchestrator drives one session's analyzer conversation end to end. Not
// safe for concurrent Run calls — exactly one goroutine per session runs
// it, per the Session Manager's at-most-one-orchestrator guarantee (C5).
type Orchestrator struct {
	session models.Session
	backend Backend
	queue   PendingMessages
	events  ObservationEvents
	metrics MetricsSink
	vectors VectorSync
	spawn   AnalyzerSpawner
	now     NowFunc

	mu                   sync.Mutex
	pendingProcessingIDs []int64
	state                State
}

// New builds an Orchestrator for session. vectors may be nil.
func New(session models.Session, backend Backend, queue PendingMessages, ev ObservationEvents, metrics MetricsSink, vectors VectorSync, spawn AnalyzerSpawner, now NowFunc) *Orchestrator {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Orchestrator{
		session: session,
		backend: backend,
		queue:   queue,
		events:  ev,
		metrics: metrics,
		vectors: vectors,
		spawn:   spawn,
		now:     now,
		state:   StateInitializing,
	}
}

// State returns the orchestrator's current lifecycle stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// currentPromptNumber reads lastPromptNumber under the same lock the feed
// goroutine uses to advance it, since feed and consume run concurrently.
func (o *Orchestrator) currentPromptNumber() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.LastPromptNumber
}

// Run drives the session to completion, cancellation, or failure. It
// returns nil on clean completion or cancellation, and a non-nil error on
// analyzer subprocess or store failure (§7: such failures propagate; the
// caller — the Session Manager — leaves the session row un-completed and
// its pending messages re-yieldable).
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := o.spawn(runCtx)
	if err != nil {
		return fmt.Errorf("orchestrator: spawn analyzer: %w", err)
	}

	initFrame := analyzer.InputFrame{
		Kind:         analyzer.FrameInit,
		SessionID:    o.session.AssistantSessionID,
		Project:      o.session.Project,
		PromptText:   o.session.CurrentPrompt,
		PromptNumber: o.session.LastPromptNumber,
	}
	if o.session.LastPromptNumber > 1 {
		initFrame.Kind = analyzer.FrameContinuation
	}
	if err := proc.Send(initFrame); err != nil {
		_ = proc.Close()
		return fmt.Errorf("orchestrator: send initial frame: %w", err)
	}

	o.setState(StateRunning)

	feedDone := make(chan error, 1)
	go func() { feedDone <- o.feed(runCtx, proc) }()

	consumeErr := o.consume(runCtx, proc)

	if ctx.Err() != nil {
		o.setState(StateDraining)
	}
	cancel()

	select {
	case <-feedDone:
	case <-time.After(drainGrace):
		slog.Warn("orchestrator: feed loop did not exit within grace period", "session", o.session.AssistantSessionID)
	}

	closeErr := proc.Close()

	switch {
	case ctx.Err() != nil:
		o.setState(StateAborted)
		return nil
	case consumeErr != nil:
		return consumeErr
	case closeErr != nil:
		return fmt.Errorf("orchestrator: analyzer exited with error: %w", closeErr)
	default:
		o.setState(StateCompleted)
		return o.backend.MarkSessionCompleted(ctx, o.session.ID)
	}
}

// feed translates queued pending messages into analyzer input frames,
// tracking each message's id as outstanding until its reply is processed.
// It returns when ctx is cancelled (Iterate's blocking wait unblocks on
// ctx.Done) or on a durable queue error.
func (o *Orchestrator) feed(ctx context.Context, proc *analyzer.Process) error {
	err := o.queue.Iterate(ctx, o.session.ID, func(msg models.PendingMessage) error {
		var frame analyzer.InputFrame
		switch msg.Kind {
		case models.PendingMessageKindSummarize:
			frame = analyzer.InputFrame{
				Kind:                 analyzer.FrameSummarize,
				SessionID:            o.session.AssistantSessionID,
				Project:              o.session.Project,
				LastUserMessage:      msg.LastUserMessage,
				LastAssistantMessage: msg.LastAssistantMessage,
			}
		default:
			frame = analyzer.InputFrame{
				Kind:         analyzer.FrameObservation,
				SessionID:    o.session.AssistantSessionID,
				Project:      o.session.Project,
				ToolName:     msg.ToolName,
				ToolInput:    msg.ToolInput,
				ToolResponse: msg.ToolResponse,
				Cwd:          msg.Cwd,
				PromptNumber: msg.PromptNumber,
			}
		}

		if msg.PromptNumber > 0 {
			o.mu.Lock()
			if msg.PromptNumber > o.session.LastPromptNumber {
				o.session.LastPromptNumber = msg.PromptNumber
			}
			o.mu.Unlock()
		}

		o.mu.Lock()
		o.pendingProcessingIDs = append(o.pendingProcessingIDs, msg.ID)
		o.mu.Unlock()

		return proc.Send(frame)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// consume reads the analyzer's reply stream and runs the per-reply
// processing steps (§4.4) for every assistant-text reply.
func (o *Orchestrator) consume(ctx context.Context, proc *analyzer.Process) error {
	for reply := range proc.Replies() {
		switch reply.Kind {
		case analyzer.ReplyError:
			return fmt.Errorf("orchestrator: analyzer reported error: %s", reply.Message)
		case analyzer.ReplyAssistantText:
			replyStart := o.now()
			if err := o.processReply(ctx, reply, replyStart); err != nil {
				return err
			}
		default:
			// Result/status frames carry no payload of interest (§4.4).
		}
	}
	return nil
}

func (o *Orchestrator) processReply(ctx context.Context, reply analyzer.Reply, replyStart int64) error {
	var discoveryTokens int64
	if reply.Usage != nil {
		deltaInput := reply.Usage.InputTokens + reply.Usage.CacheCreationTokens
		deltaOutput := reply.Usage.OutputTokens
		if _, _, err := o.backend.AccumulateTokens(ctx, o.session.ID, deltaInput, deltaOutput); err != nil {
			return fmt.Errorf("orchestrator: accumulate tokens: %w", err)
		}
		discoveryTokens = deltaInput + deltaOutput
	}

	var observations []models.Observation
	var summary *models.Summary

	if reply.Text != "" {
		parsedObs, parsedSummary := parser.Parse(reply.Text)

		for _, p := range parsedObs {
			obs, err := o.backend.InsertObservation(ctx, models.ObservationInsert{
				AssistantSessionID: o.session.AssistantSessionID,
				Project:            o.session.Project,
				PromptNumber:       o.currentPromptNumber(),
				DiscoveryTokens:    discoveryTokens,
				Payload:            p,
			}, o.now())
			if err != nil {
				return fmt.Errorf("orchestrator: insert observation: %w", err)
			}
			observations = append(observations, obs)

			if o.vectors != nil {
				o.vectors.SyncObservation(obs)
			}
			o.events.EmitObservation(obs)
			project := o.session.Project
			o.metrics.InvalidateCache(&project)
			if err := o.metrics.BroadcastTokenUpdate(ctx, &project); err != nil {
				slog.Warn("orchestrator: broadcast token update failed", "error", err)
			}
		}

		if parsedSummary != nil {
			sum, err := o.backend.InsertSummary(ctx, o.session.ID, o.session.Project, *parsedSummary, o.now())
			if err != nil {
				return fmt.Errorf("orchestrator: insert summary: %w", err)
			}
			summary = &sum

			if o.vectors != nil {
				o.vectors.SyncSummary(sum)
			}
			o.events.EmitSummary(sum)
		}
	}

	if len(observations) > 0 || summary != nil {
		o.metrics.RecordSample(o.now(), o.now()-replyStart, len(observations), discoveryTokens)
	}

	o.retirePending(ctx)
	return nil
}

// retirePending marks every id accumulated since the last reply as
// processed, clears the set, enforces the processed-row retention bound,
// and emits a processing_status event (§4.4 step 5). It always runs, even
// for an empty assistant reply, matching the spec's edge-case rule.
func (o *Orchestrator) retirePending(ctx context.Context) {
	o.mu.Lock()
	ids := o.pendingProcessingIDs
	o.pendingProcessingIDs = nil
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.queue.MarkProcessed(ctx, id); err != nil {
			slog.Warn("orchestrator: mark pending processed failed", "id", id, "error", err)
		}
	}
	if _, err := o.queue.CleanupProcessed(ctx, 100); err != nil {
		slog.Warn("orchestrator: cleanup processed failed", "error", err)
	}

	o.mu.Lock()
	depth := len(o.pendingProcessingIDs)
	o.mu.Unlock()
	o.events.EmitProcessingStatus(depth > 0, depth)
}
