package analyzer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolscribe/toolscribe/pkg/analyzer"
)

func TestProcess_SendAndReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	script := `while IFS= read -r line; do printf '{"kind":"result"}\n'; done`
	proc, err := analyzer.Spawn(ctx, "/bin/sh", []string{"-c", script})
	require.NoError(t, err)

	err = proc.Send(analyzer.InputFrame{Kind: analyzer.FrameInit, SessionID: "s1", Project: "p"})
	require.NoError(t, err)

	select {
	case reply := <-proc.Replies():
		assert.Equal(t, analyzer.ReplyResult, reply.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a reply")
	}

	require.NoError(t, proc.Close())
}

func TestProcess_MalformedReplyLineIsSkipped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	script := `printf 'not json\n'; printf '{"kind":"result"}\n'`
	proc, err := analyzer.Spawn(ctx, "/bin/sh", []string{"-c", script})
	require.NoError(t, err)

	select {
	case reply := <-proc.Replies():
		assert.Equal(t, analyzer.ReplyResult, reply.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("expected the malformed line to be skipped and the valid one delivered")
	}

	_ = proc.Close()
}

func TestProcess_CancelKillsSubprocessAndClosesReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	script := `while true; do sleep 1; done`
	proc, err := analyzer.Spawn(ctx, "/bin/sh", []string{"-c", script})
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-proc.Replies():
		assert.False(t, ok, "replies channel should close once the subprocess is killed")
	case <-time.After(3 * time.Second):
		t.Fatal("replies channel did not close after context cancellation")
	}
}
