// Package analyzer drives the analyzer subprocess: a child OS process,
// spawned once per session, that reads NDJSON-framed input on stdin and
// writes NDJSON-framed replies on stdout.
//
// The teacher talks to its LLM sidecar over gRPC (pkg/agent/llm_grpc.go),
// receiving a stream of typed chunks on a channel fed by a goroutine
// wrapped around stream.Recv(). Hand-authoring equivalent protoc-generated
// stubs for a frame protocol this spec invents from scratch isn't safe
// without the Go toolchain to run protoc, so this package reuses the same
// "goroutine scans a stream, pushes typed chunks onto a channel" shape
// against a bufio.Scanner over the child's stdout pipe instead — see
// DESIGN.md. The os/exec spawn-and-pipe pattern itself (inherit env,
// dedicated stdin/stdout pipes, kill-on-context-cancel) is grounded in
// pkg/mcp/transport.go's createStdioTransport.
package analyzer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// FrameKind distinguishes the four shapes of input the analyzer accepts.
type FrameKind string

const (
	FrameInit         FrameKind = "init"
	FrameContinuation FrameKind = "continuation"
	FrameObservation  FrameKind = "observation"
	FrameSummarize    FrameKind = "summarize"
)

// InputFrame is one NDJSON line written to the analyzer's stdin.
type InputFrame struct {
	Kind         FrameKind       `json:"kind"`
	SessionID    string          `json:"sessionId"`
	Project      string          `json:"project,omitempty"`
	PromptNumber int             `json:"promptNumber,omitempty"`
	PromptText   string          `json:"promptText,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	ToolInput    json.RawMessage `json:"toolInput,omitempty"`
	ToolResponse json.RawMessage `json:"toolResponse,omitempty"`
	Cwd          string          `json:"cwd,omitempty"`
	LastUserMessage      string  `json:"lastUserMessage,omitempty"`
	LastAssistantMessage string  `json:"lastAssistantMessage,omitempty"`
}

// ReplyKind distinguishes reply frames: the two kinds the analyzer emits
// (assistant text and result/status) plus an error frame, which readLoop
// also produces itself when reading the child's stdout fails.
type ReplyKind string

const (
	ReplyAssistantText ReplyKind = "assistant-text"
	ReplyResult        ReplyKind = "result"
	ReplyError         ReplyKind = "error"
)

// Usage carries the analyzer's token counts for a single assistant-text
// reply (§4.4's accounting input); the orchestrator adds them to the
// session's cumulative counters.
type Usage struct {
	InputTokens        int64 `json:"inputTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	OutputTokens        int64 `json:"outputTokens"`
}

// Reply is one NDJSON line read from the analyzer's stdout.
type Reply struct {
	Kind    ReplyKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Process is one spawned analyzer subprocess bound to a single session.
// Send calls are serialized by an internal lock: the Session Orchestrator
// (C4) that owns a Process sends the first frame from Run and every later
// frame from its feed goroutine.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	replies chan Reply

	encMu sync.Mutex
	enc   *json.Encoder

	done chan struct{}
}

// Spawn starts the analyzer binary at path with args, wiring its stdin and
// stdout as NDJSON frame pipes. The child inherits the parent's
// environment, mirroring createStdioTransport's default in the teacher's
// MCP launcher. Cancelling ctx kills the process.
func Spawn(ctx context.Context, path string, args []string) (*Process, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error { return cmd.Process.Kill() }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("analyzer: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("analyzer: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("analyzer: start %s: %w", path, err)
	}

	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan Reply, 32),
		enc:     json.NewEncoder(stdin),
		done:    make(chan struct{}),
	}
	go p.readLoop(ctx, stdout)
	return p, nil
}

func (p *Process) readLoop(ctx context.Context, stdout io.Reader) {
	defer close(p.replies)
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reply Reply
		if err := json.Unmarshal(line, &reply); err != nil {
			slog.Warn("analyzer: malformed reply frame, skipping", "error", err)
			continue
		}
		select {
		case p.replies <- reply:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case p.replies <- Reply{Kind: ReplyError, Message: err.Error()}:
		case <-ctx.Done():
		}
	}
}

// Replies returns the channel of reply frames read from the subprocess. It
// closes once the child's stdout is exhausted (the process exited) or ctx
// given to Spawn was cancelled.
func (p *Process) Replies() <-chan Reply { return p.replies }

// Send writes one NDJSON input frame to the subprocess's stdin.
func (p *Process) Send(frame InputFrame) error {
	p.encMu.Lock()
	defer p.encMu.Unlock()
	return p.enc.Encode(frame)
}

// Close closes the subprocess's stdin, signalling it to flush and exit,
// and waits for it to do so.
func (p *Process) Close() error {
	_ = p.stdin.Close()
	<-p.done
	return p.cmd.Wait()
}
