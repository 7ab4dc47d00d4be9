package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/internal/domain"
)

func TestStreamAccumulatorInterleavedToolCalls(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{Content: "Let me "})
	acc.addDelta(toolDelta(0, "call_a", "search_files", ""))
	acc.addDelta(toolDelta(1, "call_b", "list_dir", ""))
	acc.addDelta(toolDelta(0, "", "", `{"pattern":`))
	acc.addDelta(domain.StreamDelta{Content: "check."})
	acc.addDelta(toolDelta(1, "", "", `{"path":"."}`))
	acc.addDelta(toolDelta(0, "", "", `"*.go"}`))
	acc.addDelta(domain.StreamDelta{Done: true, Usage: &domain.Usage{PromptTokens: 5, CompletionTokens: 9, TotalTokens: 14}})

	assert.Equal(t, "Let me check.", acc.content())

	calls := acc.toolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "search_files", calls[0].Name)
	assert.JSONEq(t, `{"pattern":"*.go"}`, string(calls[0].Arguments))
	assert.Equal(t, "call_b", calls[1].ID)
	assert.JSONEq(t, `{"path":"."}`, string(calls[1].Arguments))

	assert.Equal(t, 14, acc.usage.TotalTokens)
}

func TestStreamAccumulatorEmptyArgsBecomeEmptyObject(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(toolDelta(0, "call_a", "list_dir", ""))

	calls := acc.toolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", string(calls[0].Arguments))
}

func TestStreamAccumulatorUsageOverwrites(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(domain.StreamDelta{Usage: &domain.Usage{PromptTokens: 12}})
	acc.addDelta(domain.StreamDelta{Usage: &domain.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}})

	assert.Equal(t, 19, acc.usage.TotalTokens)
	assert.Equal(t, 7, acc.usage.CompletionTokens)
}

func TestStreamAccumulatorBoundsToolCallIndexes(t *testing.T) {
	acc := newStreamAccumulator()
	acc.addDelta(toolDelta(-1, "bad", "x", "{}"))
	acc.addDelta(toolDelta(maxToolCallsPerRound, "bad", "x", "{}"))
	acc.addDelta(toolDelta(0, "good", "list_dir", "{}"))

	calls := acc.toolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "good", calls[0].ID)
}
