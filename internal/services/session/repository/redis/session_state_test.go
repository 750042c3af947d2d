package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"ytkara/internal/domain"
)

func TestConnectRejectsBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not-a-redis-url"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewSessionStateStoreDefaultKey(t *testing.T) {
	if s := NewSessionStateStore(nil, ""); s.key != DefaultKey {
		t.Fatalf("key = %q", s.key)
	}
}

// Set REDIS_TEST_URL to run against a live server.
func TestSessionStateStoreIntegration(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	key := fmt.Sprintf("ytkara:test:%d", time.Now().UnixNano())
	defer client.Del(context.Background(), key)
	store := NewSessionStateStore(client, key)

	if _, err := store.Load(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Load err = %v, want ErrNotFound", err)
	}
	want := domain.SessionState{
		Queue:       []domain.QueueItem{{ID: 1, VideoID: "abc", Title: "A"}},
		CurrentTime: 12,
		NextID:      2,
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Queue) != 1 || got.Queue[0].VideoID != "abc" || got.NextID != 2 || got.CurrentTime != 12 {
		t.Fatalf("Load = %+v", got)
	}
}
