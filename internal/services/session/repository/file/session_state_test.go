package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ytkara/internal/domain"
)

func TestLoadMissingFile(t *testing.T) {
	s := NewSessionStateStore(filepath.Join(t.TempDir(), "nope.json"))
	if _, err := s.Load(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session-state.json")
	s := NewSessionStateStore(path)

	at := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	cur := domain.QueueItem{ID: 2, VideoID: "cur", Title: "Current", Duration: 180, AddedAt: at}
	want := domain.SessionState{
		Queue:       []domain.QueueItem{{ID: 3, VideoID: "next", Title: "Next", AddedAt: at}},
		Current:     &cur,
		History:     []domain.HistoryItem{{QueueItem: domain.QueueItem{ID: 1, VideoID: "old"}, PlayedAt: at, Skipped: true}},
		CurrentTime: 12.5,
		NextID:      4,
		SavedAt:     at,
	}
	if err := s.Save(context.Background(), want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Current == nil || got.Current.VideoID != "cur" || got.NextID != 4 || got.CurrentTime != 12.5 {
		t.Fatalf("Load = %+v", got)
	}
	if len(got.History) != 1 || !got.History[0].Skipped || !got.History[0].PlayedAt.Equal(at) {
		t.Fatalf("history = %+v", got.History)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSessionStateStore(path).Load(context.Background()); err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestCancelledContext(t *testing.T) {
	s := NewSessionStateStore(filepath.Join(t.TempDir(), "s.json"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Save(ctx, domain.SessionState{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
