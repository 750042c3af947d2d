package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"ytkara/internal/domain"
	"ytkara/internal/domain/ports"
)

type Config struct {
	Root          string
	GracePeriod   time.Duration
	RetainHistory int
	Workers       int
	FetchTimeout  time.Duration
	// Now overrides the clock used for access tracking and timestamps.
	Now func() time.Time
}

// Service is the media cache: a disk store fed by a download queue and
// trimmed by an evictor according to the playback state.
type Service struct {
	store   *Store
	tracker *AccessTracker
	queue   *DownloadQueue
	evictor *Evictor
	logger  *slog.Logger
	grace   time.Duration

	scans singleflight.Group
}

func New(cfg Config, fetcher ports.Fetcher, logger *slog.Logger) (*Service, error) {
	if fetcher == nil {
		return nil, errors.New("cache: fetcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, err := NewStore(cfg.Root, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ResetStaging(); err != nil {
		logger.Warn("cache: could not clear staging dir", slog.String("error", err.Error()))
	}

	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	tracker := NewAccessTracker(cfg.Now)
	queue := NewDownloadQueue(store, fetcher, QueueConfig{
		Workers:      cfg.Workers,
		FetchTimeout: cfg.FetchTimeout,
		Now:          cfg.Now,
	}, logger)

	return &Service{
		store:   store,
		tracker: tracker,
		queue:   queue,
		evictor: NewEvictor(store, tracker, queue, cfg.RetainHistory, grace, logger),
		logger:  logger,
		grace:   grace,
	}, nil
}

func (s *Service) Root() string { return s.store.Root() }

func (s *Service) GracePeriod() time.Duration { return s.grace }

func (s *Service) IsCached(key string) bool { return s.store.IsCached(key) }

func (s *Service) Metadata(key string) (domain.Metadata, bool) { return s.store.Metadata(key) }

func (s *Service) EnsureCached(ctx context.Context, key string) (domain.Metadata, error) {
	return s.queue.EnsureCached(ctx, key)
}

func (s *Service) Prefetch(keys []string) { s.queue.Prefetch(keys) }

func (s *Service) Invalidate(key string) error {
	err := s.queue.Invalidate(key)
	s.tracker.Forget(key)
	return err
}

// GetCachePath returns the media file of key and records the access, which
// shields the entry from eviction for the grace period.
func (s *Service) GetCachePath(key string) (string, bool) {
	if !domain.ValidKey(key) {
		return "", false
	}
	s.tracker.RecordAccess(key)
	return s.store.Path(key)
}

func (s *Service) IsSafeToDelete(key string, grace time.Duration) bool {
	return s.tracker.IsSafeToDelete(key, grace)
}

func (s *Service) Sweep(state domain.PlaybackState) SweepResult {
	return s.evictor.Sweep(state)
}

// OnStateChange prefetches the current and queued keys, then sweeps.
func (s *Service) OnStateChange(state domain.PlaybackState) SweepResult {
	keys := make([]string, 0, len(state.Queue)+1)
	if state.Current != "" {
		keys = append(keys, state.Current)
	}
	keys = append(keys, state.Queue...)
	s.queue.Prefetch(keys)
	return s.evictor.Sweep(state)
}

func (s *Service) PendingFetches() []string { return s.queue.Pending() }

func (s *Service) ActiveFetches() []string { return s.queue.Active() }

type scannedEntry struct {
	key   string
	meta  domain.Metadata
	valid bool
	size  int64
}

// Entries lists every entry directory annotated for state. Concurrent
// callers share one disk scan.
func (s *Service) Entries(state domain.PlaybackState) ([]domain.CacheEntry, error) {
	v, err, _ := s.scans.Do("entries", func() (any, error) {
		return s.scan()
	})
	if err != nil {
		return nil, err
	}
	scanned := v.([]scannedEntry)

	retain := s.evictor.RetainSet(state)
	entries := make([]domain.CacheEntry, 0, len(scanned))
	for _, se := range scanned {
		entry := domain.CacheEntry{
			Key:       se.key,
			Title:     se.meta.Title,
			Duration:  se.meta.Duration,
			VideoFile: se.meta.VideoFile,
			SizeBytes: se.size,
			Valid:     se.valid,
			Fetching:  s.queue.InFlight(se.key),
		}
		if last, ok := s.tracker.LastAccess(se.key); ok {
			entry.LastAccess = last
		}
		_, entry.Retained = retain[se.key]
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Service) scan() ([]scannedEntry, error) {
	keys, err := s.store.Keys()
	if err != nil {
		return nil, fmt.Errorf("scan cache: %w", err)
	}
	out := make([]scannedEntry, 0, len(keys))
	for _, key := range keys {
		meta, err := s.store.readMetadata(key)
		out = append(out, scannedEntry{
			key:   key,
			meta:  meta,
			valid: err == nil,
			size:  s.store.Size(key),
		})
	}
	return out, nil
}

// Close stops the download queue. Waiting callers receive ErrQueueClosed.
func (s *Service) Close() {
	s.queue.Close()
}
