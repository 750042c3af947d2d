package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"ytkara/internal/domain"
	"ytkara/internal/metrics"
	"ytkara/internal/services/media/cache"
)

// JanitorCache is the part of the media cache the janitor maintains.
type JanitorCache interface {
	Root() string
	Sweep(state domain.PlaybackState) cache.SweepResult
	Entries(state domain.PlaybackState) ([]domain.CacheEntry, error)
}

// JanitorReport summarizes a single janitor pass.
type JanitorReport struct {
	Deleted   int
	Entries   int
	SizeBytes int64
	FreeBytes int64
	LowSpace  bool
}

// CacheJanitor periodically sweeps the cache against the latest playback
// state, so entries whose grace period expired after the last state change
// are still reclaimed. It also publishes cache size gauges and warns when
// the cache volume runs low on free space.
type CacheJanitor struct {
	Cache        JanitorCache
	State        func() domain.PlaybackState
	Logger       *slog.Logger
	MinFreeBytes int64
	Interval     time.Duration

	// DiskFree reports free bytes for a path. Defaults to the volume stat.
	DiskFree func(path string) (int64, error)

	lowSpace bool
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (j *CacheJanitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Tick()
		}
	}
}

// Tick performs one pass.
func (j *CacheJanitor) Tick() JanitorReport {
	var state domain.PlaybackState
	if j.State != nil {
		state = j.State()
	}

	var report JanitorReport
	res := j.Cache.Sweep(state)
	report.Deleted = len(res.Deleted)
	if report.Deleted > 0 {
		j.Logger.Info("cache janitor: removed stale entries",
			slog.Int("count", report.Deleted),
			slog.Any("keys", res.Deleted),
		)
	}

	entries, err := j.Cache.Entries(state)
	if err != nil {
		j.Logger.Warn("cache janitor: list entries failed", slog.String("error", err.Error()))
	} else {
		for _, e := range entries {
			if !e.Valid {
				continue
			}
			report.Entries++
			report.SizeBytes += e.SizeBytes
		}
		metrics.CacheEntries.Set(float64(report.Entries))
		metrics.CacheSizeBytes.Set(float64(report.SizeBytes))
	}

	j.checkDiskSpace(&report)
	return report
}

func (j *CacheJanitor) checkDiskSpace(report *JanitorReport) {
	diskFree := j.DiskFree
	if diskFree == nil {
		diskFree = diskFreeBytes
	}
	root := j.Cache.Root()
	free, err := diskFree(root)
	if err != nil {
		j.Logger.Debug("cache janitor: failed to check disk space",
			slog.String("path", root),
			slog.String("error", err.Error()),
		)
		report.LowSpace = j.lowSpace
		return
	}
	report.FreeBytes = free
	metrics.DiskFreeBytes.Set(float64(free))

	if j.MinFreeBytes <= 0 {
		return
	}
	switch {
	case !j.lowSpace && free < j.MinFreeBytes:
		j.Logger.Warn("cache janitor: low disk space on cache volume",
			slog.String("path", root),
			slog.String("free", humanize.IBytes(uint64(free))),
			slog.String("threshold", humanize.IBytes(uint64(j.MinFreeBytes))),
		)
		j.lowSpace = true
	case j.lowSpace && free >= j.MinFreeBytes:
		j.Logger.Info("cache janitor: disk space recovered",
			slog.String("free", humanize.IBytes(uint64(free))),
		)
		j.lowSpace = false
	}
	report.LowSpace = j.lowSpace
}
