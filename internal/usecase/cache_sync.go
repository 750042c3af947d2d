package usecase

import (
	"log/slog"
	"sync"

	"ytkara/internal/domain"
	"ytkara/internal/services/media/cache"
)

// CacheOrchestrator reacts to playback state changes.
type CacheOrchestrator interface {
	OnStateChange(state domain.PlaybackState) cache.SweepResult
}

// CacheSync forwards session changes to the media cache on a background
// goroutine. Changes that arrive while a run is in progress are coalesced:
// only the most recent state is applied next.
type CacheSync struct {
	Cache  CacheOrchestrator
	Logger *slog.Logger

	mu      sync.Mutex
	pending *domain.PlaybackState
	running bool
	wg      sync.WaitGroup
}

func NewCacheSync(c CacheOrchestrator, logger *slog.Logger) *CacheSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheSync{Cache: c, Logger: logger}
}

// OnSnapshot adapts Notify to the session observer signature.
func (s *CacheSync) OnSnapshot(snap domain.SessionSnapshot) {
	s.Notify(snap.Playback())
}

// Notify schedules state to be applied. It never blocks on cache work.
func (s *CacheSync) Notify(state domain.PlaybackState) {
	s.mu.Lock()
	s.pending = &state
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drain()
}

// Wait blocks until no run is in progress.
func (s *CacheSync) Wait() {
	s.wg.Wait()
}

func (s *CacheSync) drain() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		state := s.pending
		s.pending = nil
		if state == nil {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.apply(*state)
	}
}

func (s *CacheSync) apply(state domain.PlaybackState) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("cache sync: state change handler panicked",
				slog.Any("panic", r),
				slog.String("current", state.Current),
			)
		}
	}()

	res := s.Cache.OnStateChange(state)
	if len(res.Deleted) > 0 || len(res.Failed) > 0 {
		s.Logger.Info("cache sync: swept cache",
			slog.String("current", state.Current),
			slog.Int("queued", len(state.Queue)),
			slog.Int("deleted", len(res.Deleted)),
			slog.Int("failed", len(res.Failed)),
		)
	}
}
