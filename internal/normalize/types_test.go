package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewChunk(t *testing.T) {
	u := NewChunk("sess-1", "claude", EventAgentThought, "thinking...")

	assert.Equal(t, "sess-1", u.SessionID)
	assert.Equal(t, EventAgentThought, u.EventType)
	assert.True(t, u.IsChunk)
	assert.Equal(t, "thinking...", u.Message)
	assert.False(t, u.Timestamp.IsZero())
}

func TestNewToolCallUpdate(t *testing.T) {
	tc := &ToolCall{ToolCallID: "t1", Name: "shell", Status: ToolStatusRunning}

	created := NewToolCallUpdate("sess-1", "claude", tc, false)
	assert.Equal(t, EventToolCall, created.EventType)

	updated := NewToolCallUpdate("sess-1", "claude", tc, true)
	assert.Equal(t, EventToolCallUpdate, updated.EventType)
}

func TestFileEditingToolsSet(t *testing.T) {
	assert.True(t, FileEditingTools["Read"])
	assert.True(t, FileEditingTools["MultiEdit"])
	assert.False(t, FileEditingTools["Bash"])
}
