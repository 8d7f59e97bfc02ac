package trace

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routa-run/routa/internal/config"
	"github.com/routa-run/routa/internal/logger"
	"github.com/routa-run/routa/internal/normalize"
)

func newTestRecorder(t *testing.T) (*Recorder, *Reader) {
	t.Helper()
	dir := t.TempDir()
	r := New(config.TraceConfig{Dir: dir, ChunkFlushThreshold: 10}, logger.Default())
	t.Cleanup(func() { _ = r.Close() })
	return r, NewReader(dir)
}

func TestSessionStartAndEndWriteRecords(t *testing.T) {
	r, reader := newTestRecorder(t)

	r.SessionStart("s1", "ws1", "claude", "sonnet")
	r.SessionEnd("s1")

	recs, err := reader.Read(Filter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "SessionStart", recs[0].EventType)
	assert.Equal(t, "SessionEnd", recs[1].EventType)
	assert.Equal(t, "claude", recs[0].Contributor.Provider)
	assert.Equal(t, "ws1", recs[0].WorkspaceID)
}

func TestUserMessageWritesImmediately(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "ws1", "claude", "sonnet")

	r.UserMessage("s1", "do the thing")

	recs, err := reader.Read(Filter{SessionID: "s1", EventType: "UserMessage"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "do the thing", recs[0].Conversation)
}

func TestFinalizedToolCallWritesImmediately(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "", "claude", "")

	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCall,
		ToolCall: &normalize.ToolCall{
			ToolCallID:     "tc1",
			Name:           "Read",
			Input:          map[string]any{"file_path": "/a/b.go"},
			InputFinalized: true,
		},
	})

	recs, err := reader.Read(Filter{SessionID: "s1", EventType: "ToolCall"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Read", recs[0].Tool)
	require.Len(t, recs[0].Files, 1)
	assert.Equal(t, "/a/b.go", recs[0].Files[0].Path)
}

func TestPartialToolCallWritesOnUpdateCarryingInput(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "", "claude", "")

	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCall,
		ToolCall: &normalize.ToolCall{
			ToolCallID:     "tc1",
			Name:           "Edit",
			Status:         normalize.ToolStatusRunning,
			InputFinalized: false,
		},
	})

	recs, err := reader.Read(Filter{SessionID: "s1", EventType: "ToolCall"})
	require.NoError(t, err)
	assert.Empty(t, recs, "no ToolCall trace until input arrives")

	startLine, endLine := 10, 20
	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCallUpdate,
		ToolCall: &normalize.ToolCall{
			ToolCallID: "tc1",
			Name:       "Edit",
			Status:     normalize.ToolStatusRunning,
			Input:      map[string]any{"file_path": "/a/b.go", "startLine": startLine, "endLine": endLine},
		},
	})

	recs, err = reader.Read(Filter{SessionID: "s1", EventType: "ToolCall"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Files, 1)
	require.NotNil(t, recs[0].Files[0].StartLine)
	assert.Equal(t, 10, *recs[0].Files[0].StartLine)

	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCallUpdate,
		ToolCall: &normalize.ToolCall{
			ToolCallID: "tc1",
			Name:       "Edit",
			Status:     normalize.ToolStatusCompleted,
			Output:     "ok",
		},
	})

	results, err := reader.Read(Filter{SessionID: "s1", EventType: "ToolResult"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ok", results[0].Conversation)

	// No duplicate ToolCall trace is written on the terminal update.
	recs, err = reader.Read(Filter{SessionID: "s1", EventType: "ToolCall"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestChunkedMessageFlushesAtThreshold(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "", "claude", "")

	r.HandleSessionUpdate(normalize.NewChunk("s1", "claude", normalize.EventAgentMessage, "short"))
	recs, err := reader.Read(Filter{SessionID: "s1", EventType: "AgentMessage"})
	require.NoError(t, err)
	assert.Empty(t, recs, "below threshold, nothing flushed yet")

	r.HandleSessionUpdate(normalize.NewChunk("s1", "claude", normalize.EventAgentMessage, strings.Repeat("x", 10)))
	recs, err = reader.Read(Filter{SessionID: "s1", EventType: "AgentMessage"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "short"+strings.Repeat("x", 10), recs[0].Conversation)
}

func TestTurnCompleteFlushesRemainingChunks(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "", "claude", "")

	r.HandleSessionUpdate(normalize.NewChunk("s1", "claude", normalize.EventAgentThought, "thinking"))
	r.HandleSessionUpdate(normalize.NewTurnComplete("s1", "claude", "end_turn"))

	recs, err := reader.Read(Filter{SessionID: "s1", EventType: "AgentThought"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "thinking", recs[0].Conversation)
}

func TestReaderFiltersByFileAndTimeRange(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "ws1", "claude", "")

	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCall,
		ToolCall: &normalize.ToolCall{
			ToolCallID: "tc1", Name: "Write",
			Input:          map[string]any{"file_path": "/x.go"},
			InputFinalized: true,
		},
	})
	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCall,
		ToolCall: &normalize.ToolCall{
			ToolCallID: "tc2", Name: "Write",
			Input:          map[string]any{"file_path": "/y.go"},
			InputFinalized: true,
		},
	})

	recs, err := reader.Read(Filter{File: "/x.go"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "/x.go", recs[0].Files[0].Path)

	future := time.Now().Add(time.Hour)
	recs, err = reader.Read(Filter{Since: future})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMCPPrefixedToolNameStillExtractsFiles(t *testing.T) {
	r, reader := newTestRecorder(t)
	r.SessionStart("s1", "", "claude", "")

	r.HandleSessionUpdate(normalize.SessionUpdate{
		SessionID: "s1",
		EventType: normalize.EventToolCall,
		ToolCall: &normalize.ToolCall{
			ToolCallID:     "tc1",
			Name:           "mcp__fs__Read",
			Input:          map[string]any{"path": "/z.go"},
			InputFinalized: true,
		},
	})

	recs, err := reader.Read(Filter{SessionID: "s1", EventType: "ToolCall"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Files, 1)
	assert.Equal(t, "/z.go", recs[0].Files[0].Path)
}
