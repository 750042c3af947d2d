package cache

import (
	"log/slog"
	"time"

	"ytkara/internal/domain"
	"ytkara/internal/metrics"
)

const DefaultRetainHistory = 3

// SweepResult reports what a sweep did with every key it saw.
type SweepResult struct {
	Deleted  []string
	Retained []string
	Recent   []string
	InFlight []string
	Failed   []string
}

// Evictor removes entries that the playback state no longer needs.
type Evictor struct {
	store         *Store
	tracker       *AccessTracker
	queue         *DownloadQueue
	retainHistory int
	grace         time.Duration
	logger        *slog.Logger
}

func NewEvictor(store *Store, tracker *AccessTracker, queue *DownloadQueue, retainHistory int, grace time.Duration, logger *slog.Logger) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	if retainHistory < 0 {
		retainHistory = 0
	}
	return &Evictor{
		store:         store,
		tracker:       tracker,
		queue:         queue,
		retainHistory: retainHistory,
		grace:         grace,
		logger:        logger,
	}
}

// RetainSet is {current} ∪ the last n history keys ∪ every queued key.
func RetainSet(state domain.PlaybackState, n int) map[string]struct{} {
	retain := make(map[string]struct{}, 1+n+len(state.Queue))
	add := func(key string) {
		if key != "" {
			retain[key] = struct{}{}
		}
	}
	add(state.Current)
	if n > 0 {
		start := len(state.History) - n
		if start < 0 {
			start = 0
		}
		for _, key := range state.History[start:] {
			add(key)
		}
	}
	for _, key := range state.Queue {
		add(key)
	}
	return retain
}

func (e *Evictor) RetainSet(state domain.PlaybackState) map[string]struct{} {
	return RetainSet(state, e.retainHistory)
}

// Sweep deletes every entry outside the retain set whose grace period has
// expired. Keys with a fetch in flight are left alone.
func (e *Evictor) Sweep(state domain.PlaybackState) SweepResult {
	var res SweepResult
	keys, err := e.store.Keys()
	if err != nil {
		e.logger.Warn("cache: sweep could not list entries", slog.String("error", err.Error()))
		return res
	}

	retain := e.RetainSet(state)
	for _, key := range keys {
		if _, ok := retain[key]; ok {
			res.Retained = append(res.Retained, key)
			continue
		}
		if !e.tracker.IsSafeToDelete(key, e.grace) {
			res.Recent = append(res.Recent, key)
			continue
		}
		if e.queue != nil && e.queue.InFlight(key) {
			res.InFlight = append(res.InFlight, key)
			continue
		}
		if err := e.store.DeleteEntry(key); err != nil {
			res.Failed = append(res.Failed, key)
			continue
		}
		e.tracker.Forget(key)
		metrics.CacheEvictionsTotal.WithLabelValues("sweep").Inc()
		res.Deleted = append(res.Deleted, key)
	}

	if len(res.Deleted) > 0 || len(res.Failed) > 0 {
		e.logger.Info("cache: sweep complete",
			slog.Int("deleted", len(res.Deleted)),
			slog.Int("retained", len(res.Retained)),
			slog.Int("recent", len(res.Recent)),
			slog.Int("failed", len(res.Failed)),
		)
	}
	return res
}
