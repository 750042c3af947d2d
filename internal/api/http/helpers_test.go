package apihttp

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"ytkara/internal/domain"
	"ytkara/internal/services/media/cache"
	"ytkara/internal/services/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeMediaCache struct {
	mu            sync.Mutex
	meta          map[string]domain.Metadata
	paths         map[string]string
	ensureErr     error
	ensured       []string
	invalidateErr error
	invalidated   []string
	entries       []domain.CacheEntry
	entriesErr    error
	sweep         cache.SweepResult
	sweptWith     []domain.PlaybackState
	pending       []string
	active        []string
}

func (f *fakeMediaCache) EnsureCached(ctx context.Context, key string) (domain.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, key)
	if f.ensureErr != nil {
		return domain.Metadata{}, f.ensureErr
	}
	return f.meta[key], nil
}

func (f *fakeMediaCache) GetCachePath(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.paths[key]
	return p, ok
}

func (f *fakeMediaCache) Invalidate(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, key)
	return f.invalidateErr
}

func (f *fakeMediaCache) Entries(state domain.PlaybackState) ([]domain.CacheEntry, error) {
	return f.entries, f.entriesErr
}

func (f *fakeMediaCache) Sweep(state domain.PlaybackState) cache.SweepResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweptWith = append(f.sweptWith, state)
	return f.sweep
}

func (f *fakeMediaCache) PendingFetches() []string { return f.pending }

func (f *fakeMediaCache) ActiveFetches() []string { return f.active }

func newTestManager() *session.Manager {
	return session.NewManager(session.Options{Logger: discardLogger()})
}

// newTestServer builds a server around fc and a fresh in-memory session.
func newTestServer(t *testing.T, fc *fakeMediaCache, opts ...ServerOption) (*Server, *session.Manager) {
	t.Helper()
	mgr := newTestManager()
	all := append([]ServerOption{WithLogger(discardLogger()), WithSession(mgr)}, opts...)
	srv := NewServer(fc, all...)
	t.Cleanup(srv.Close)
	return srv, mgr
}
