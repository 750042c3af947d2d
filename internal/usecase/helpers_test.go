package usecase

import (
	"log/slog"
	"sync"

	"ytkara/internal/domain"
	"ytkara/internal/services/media/cache"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeCache records the states it is driven with.
type fakeCache struct {
	mu      sync.Mutex
	states  []domain.PlaybackState
	sweeps  []domain.PlaybackState
	entries []domain.CacheEntry
	listErr error
	deleted []string

	// block, when set, is received from before OnStateChange returns.
	block   chan struct{}
	entered chan struct{}
	panicOn string
}

func (f *fakeCache) Root() string { return "/nonexistent" }

func (f *fakeCache) OnStateChange(state domain.PlaybackState) cache.SweepResult {
	f.mu.Lock()
	f.states = append(f.states, state)
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if f.panicOn != "" && state.Current == f.panicOn {
		panic("boom")
	}
	return cache.SweepResult{}
}

func (f *fakeCache) Sweep(state domain.PlaybackState) cache.SweepResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, state)
	return cache.SweepResult{Deleted: f.deleted}
}

func (f *fakeCache) Entries(state domain.PlaybackState) ([]domain.CacheEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeCache) applied() []domain.PlaybackState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PlaybackState(nil), f.states...)
}
