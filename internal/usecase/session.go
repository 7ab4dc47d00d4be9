package usecase

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"quill/internal/domain"
)

// Session holds the message history of one named conversation.
type Session struct {
	mu        sync.RWMutex
	ID        string           `json:"id"` // ULID, globally unique
	Name      string           `json:"name"`
	Msgs      []domain.Message `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewSession creates an empty session with a generated ULID.
func NewSession(name string) *Session {
	now := time.Now()
	return &Session{
		ID:        ulid.Make().String(),
		Name:      name,
		Msgs:      make([]domain.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ResumeSession builds a session over previously persisted messages.
func ResumeSession(name string, messages []domain.Message) *Session {
	s := NewSession(name)
	s.Msgs = append(s.Msgs, messages...)
	return s
}

// AddMessage appends a message and updates the timestamp (thread-safe).
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the message history (thread-safe).
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Msgs)
}
