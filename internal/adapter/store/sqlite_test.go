package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"quill/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "quill.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	messages := []domain.Message{
		{Role: domain.RoleUser, Content: "hello", Timestamp: time.Now().UTC()},
		{Role: domain.RoleAssistant, Content: "hi", ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "read_file", Arguments: []byte(`{"path":"a"}`)},
		}},
	}

	id, err := s.Save(ctx, "work", messages)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("Save returned empty id")
	}

	loaded, err := s.Load(ctx, "work")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d messages", len(loaded))
	}
	if loaded[0].Content != "hello" || loaded[1].ToolCalls[0].Name != "read_file" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestSaveReplacesAndKeepsID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Save(ctx, "work", []domain.Message{{Role: domain.RoleUser, Content: "v1"}})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Save(ctx, "work", []domain.Message{{Role: domain.RoleUser, Content: "v2"}})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("id changed on re-save: %q vs %q", id1, id2)
	}

	loaded, err := s.Load(ctx, "work")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Content != "v2" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)

	loaded, err := s.Load(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Errorf("loaded = %+v, want nil", loaded)
	}
}

func TestLifetimeSpendAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddSpend(ctx, 0.25); err != nil {
		t.Fatal(err)
	}
	if err := s.AddSpend(ctx, 0.50); err != nil {
		t.Fatal(err)
	}

	total, err := s.LifetimeSpend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(total-0.75) > 1e-9 {
		t.Errorf("total = %f, want 0.75", total)
	}
}
