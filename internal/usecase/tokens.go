package usecase

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"quill/internal/domain"
)

// perMessageOverhead approximates the role/framing tokens each message
// costs beyond its content.
const perMessageOverhead = 4

// TokenCounter estimates prompt sizes with a tiktoken encoding. The
// encoding is loaded lazily; when it cannot be loaded (offline, unknown
// encoding) the counter falls back to a bytes/4 heuristic so estimates
// degrade rather than fail.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter over the cl100k_base encoding.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

// Count estimates the token count of a single string.
func (c *TokenCounter) Count(text string) int {
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CountMessages estimates the prompt size of a message history,
// including tool-call arguments and a per-message framing overhead.
func (c *TokenCounter) CountMessages(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += perMessageOverhead
		total += c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name)
			total += c.Count(string(tc.Arguments))
		}
	}
	return total
}
