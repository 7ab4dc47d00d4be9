package usecase

import (
	"encoding/json"
	"strings"

	"quill/internal/domain"
)

// maxToolCallsPerRound bounds how many tool calls a single streamed
// response may carry. Deltas referencing indexes past the bound are
// dropped rather than growing the slice unboundedly.
const maxToolCallsPerRound = 32

// callBuilder accumulates the fragments of one streamed tool call.
type callBuilder struct {
	id   string
	name string
	args strings.Builder
}

// streamAccumulator reassembles a streamed response: prose text, the
// per-index tool-call argument fragments, and the usage figures (the
// provider reports usage once per response; a later report overwrites).
type streamAccumulator struct {
	text  strings.Builder
	calls []*callBuilder
	usage domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta folds one stream chunk into the accumulated state. Tool-call
// fragments are keyed by their explicit Index: the first fragment for an
// index carries ID and Name, later fragments append argument JSON.
func (a *streamAccumulator) addDelta(d domain.StreamDelta) {
	a.text.WriteString(d.Content)

	for _, tc := range d.ToolCalls {
		if tc.Index < 0 || tc.Index >= maxToolCallsPerRound {
			continue
		}
		for len(a.calls) <= tc.Index {
			a.calls = append(a.calls, &callBuilder{})
		}
		c := a.calls[tc.Index]
		if tc.ID != "" {
			c.id = tc.ID
		}
		if tc.Name != "" {
			c.name = tc.Name
		}
		c.args.WriteString(tc.Arguments)
	}

	if d.Usage != nil {
		a.usage = *d.Usage
	}
}

// toolCalls returns the reassembled calls in provider order. A call
// with no argument fragments gets the empty object, which both
// providers treat as "no arguments".
func (a *streamAccumulator) toolCalls() []domain.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	calls := make([]domain.ToolCall, 0, len(a.calls))
	for _, c := range a.calls {
		args := c.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, domain.ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

func (a *streamAccumulator) content() string { return a.text.String() }
