package domain

import "context"

// ConversationStore persists named conversations and the lifetime spend
// counter. Semantics are opaque key/value: callers never inspect the
// stored representation.
type ConversationStore interface {
	// Save stores messages under name, replacing any previous value, and
	// returns the conversation's id.
	Save(ctx context.Context, name string, messages []Message) (string, error)
	// Load returns the messages stored under name, or nil if absent.
	Load(ctx context.Context, name string) ([]Message, error)
	// AddSpend adds cost (dollars) to the lifetime running total.
	AddSpend(ctx context.Context, cost float64) error
	// LifetimeSpend returns the lifetime running total in dollars.
	LifetimeSpend(ctx context.Context) (float64, error)
	Close() error
}
