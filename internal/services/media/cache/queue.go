package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"ytkara/internal/domain"
	"ytkara/internal/domain/ports"
	"ytkara/internal/metrics"
	"ytkara/internal/telemetry"
)

type QueueConfig struct {
	// Workers bounds concurrent fetches. Values below 1 mean 1.
	Workers int
	// FetchTimeout bounds a single fetch. Zero leaves it to the fetcher.
	FetchTimeout time.Duration
	Now          func() time.Time
}

type downloadTask struct {
	key  string
	done chan struct{}
	meta domain.Metadata
	err  error

	// guarded by DownloadQueue.mu
	active      bool
	resolved    bool
	invalidated bool
	ctx         context.Context
	cancel      context.CancelFunc
}

func newDownloadTask(key string) *downloadTask {
	return &downloadTask{key: key, done: make(chan struct{})}
}

func (t *downloadTask) resolve(meta domain.Metadata, err error) {
	if t.resolved {
		return
	}
	t.resolved = true
	t.meta = meta
	t.err = err
	close(t.done)
}

// DownloadQueue runs at most one fetch per key and hands tasks to a bounded
// set of workers in FIFO order. Concurrent requests for the same key share a
// single task.
type DownloadQueue struct {
	store        *Store
	fetcher      ports.Fetcher
	logger       *slog.Logger
	tracer       trace.Tracer
	fetchTimeout time.Duration
	now          func() time.Time
	slots        *semaphore.Weighted

	mu      sync.Mutex
	pending []*downloadTask
	tasks   map[string]*downloadTask
	closed  bool
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDownloadQueue(store *Store, fetcher ports.Fetcher, cfg QueueConfig, logger *slog.Logger) *DownloadQueue {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &DownloadQueue{
		store:        store,
		fetcher:      fetcher,
		logger:       logger,
		tracer:       telemetry.Tracer("ytkara/mediacache"),
		fetchTimeout: cfg.FetchTimeout,
		now:          now,
		slots:        semaphore.NewWeighted(int64(workers)),
		tasks:        make(map[string]*downloadTask),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	q.wg.Add(1)
	go q.dispatch()
	return q
}

// EnsureCached returns the metadata of key, fetching it first when needed.
// ctx bounds only the caller's wait; the shared fetch keeps running.
func (q *DownloadQueue) EnsureCached(ctx context.Context, key string) (domain.Metadata, error) {
	if !domain.ValidKey(key) {
		return domain.Metadata{}, fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}
	if meta, ok := q.store.Metadata(key); ok {
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return meta, nil
	}
	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	t, _, err := q.enqueue(key)
	if err != nil {
		return domain.Metadata{}, err
	}
	select {
	case <-t.done:
		return t.meta, t.err
	case <-ctx.Done():
		return domain.Metadata{}, ctx.Err()
	}
}

// Prefetch queues every key that is neither cached nor already queued.
// Failures are only logged.
func (q *DownloadQueue) Prefetch(keys []string) {
	queued := 0
	for _, key := range keys {
		if !domain.ValidKey(key) || q.InFlight(key) || q.store.IsCached(key) {
			continue
		}
		_, created, err := q.enqueue(key)
		if err != nil {
			q.logger.Debug("cache: prefetch skipped", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if created {
			queued++
		}
	}
	if queued > 0 {
		q.logger.Debug("cache: prefetch queued", slog.Int("count", queued))
	}
}

// enqueue returns the task for key, creating one at the tail of the queue
// when none is in flight. A key cached in the meantime yields an already
// resolved task. created is true only for a newly queued task.
func (q *DownloadQueue) enqueue(key string) (t *downloadTask, created bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, false, ErrQueueClosed
	}
	if t, ok := q.tasks[key]; ok {
		return t, false, nil
	}

	t = newDownloadTask(key)
	// A fetch may have finished since the caller's lookup. readMetadata never
	// repairs, so no disk removal runs under q.mu.
	if meta, err := q.store.readMetadata(key); err == nil {
		t.resolve(meta, nil)
		return t, false, nil
	}
	q.tasks[key] = t
	q.pending = append(q.pending, t)
	q.updateGaugesLocked()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t, true, nil
}

// Invalidate deletes the entry for key and cancels any queued or running
// fetch of it. Waiters of a cancelled fetch receive ErrInvalidated and a
// result that arrives later is discarded.
func (q *DownloadQueue) Invalidate(key string) error {
	if !domain.ValidKey(key) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidKey, key)
	}

	q.mu.Lock()
	if t, ok := q.tasks[key]; ok {
		delete(q.tasks, key)
		if t.active {
			t.invalidated = true
			t.cancel()
		} else {
			q.removePendingLocked(t)
		}
		t.resolve(domain.Metadata{}, ErrInvalidated)
		q.logger.Info("cache: fetch cancelled by invalidation", slog.String("key", key), slog.Bool("active", t.active))
	}
	q.updateGaugesLocked()
	q.mu.Unlock()

	if err := q.store.DeleteEntry(key); err != nil {
		return err
	}
	metrics.CacheEvictionsTotal.WithLabelValues("invalidate").Inc()
	return nil
}

func (q *DownloadQueue) removePendingLocked(t *downloadTask) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// InFlight reports whether key is queued or being fetched.
func (q *DownloadQueue) InFlight(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[key]
	return ok
}

// Pending lists queued keys in the order they will start.
func (q *DownloadQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.pending))
	for _, t := range q.pending {
		keys = append(keys, t.key)
	}
	return keys
}

// Active lists keys currently being fetched.
func (q *DownloadQueue) Active() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keys []string
	for key, t := range q.tasks {
		if t.active {
			keys = append(keys, key)
		}
	}
	return keys
}

func (q *DownloadQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close cancels running fetches, rejects queued waiters with ErrQueueClosed
// and waits for the workers to exit.
func (q *DownloadQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, t := range q.tasks {
		if t.active {
			t.cancel()
		}
		t.resolve(domain.Metadata{}, ErrQueueClosed)
		delete(q.tasks, key)
	}
	q.pending = nil
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *DownloadQueue) updateGaugesLocked() {
	active := 0
	for _, t := range q.tasks {
		if t.active {
			active++
		}
	}
	metrics.DownloadQueueDepth.Set(float64(len(q.pending)))
	metrics.ActiveFetches.Set(float64(active))
}

func (q *DownloadQueue) dispatch() {
	defer q.wg.Done()
	for {
		if err := q.slots.Acquire(q.ctx, 1); err != nil {
			return
		}
		t := q.next()
		if t == nil {
			q.slots.Release(1)
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer q.slots.Release(1)
			q.run(t)
		}()
	}
}

// next blocks until a queued task is available and marks it active.
func (q *DownloadQueue) next() *downloadTask {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			t := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			t.active = true
			t.ctx, t.cancel = context.WithCancel(q.ctx)
			q.updateGaugesLocked()
			q.mu.Unlock()
			return t
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil
		}
	}
}

func (q *DownloadQueue) run(t *downloadTask) {
	ctx := t.ctx
	defer t.cancel()
	if q.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.fetchTimeout)
		defer cancel()
	}
	ctx, span := q.tracer.Start(ctx, "mediacache.fetch", trace.WithAttributes(attribute.String("media.key", t.key)))
	defer span.End()

	q.logger.Info("cache: fetch started", slog.String("key", t.key))
	started := q.now()
	meta, err := q.fetch(ctx, t)
	elapsed := q.now().Sub(started)
	metrics.FetchDuration.Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	discarded := q.finish(t, meta, err)
	q.observe(t.key, err, discarded, elapsed)
}

func (q *DownloadQueue) fetch(ctx context.Context, t *downloadTask) (domain.Metadata, error) {
	workDir, err := q.store.StagingDir(t.key)
	if err != nil {
		return domain.Metadata{}, err
	}
	defer q.store.RemoveStaging(workDir)

	res, err := q.fetcher.Fetch(ctx, t.key, workDir)
	if err != nil {
		return domain.Metadata{}, err
	}
	staged, err := stagedPath(workDir, res.FilePath)
	if err != nil {
		return domain.Metadata{}, err
	}

	meta := domain.Metadata{
		Duration:     res.DurationSeconds,
		Title:        res.Title,
		DownloadedAt: q.now().UnixMilli(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if t.invalidated || t.resolved || q.tasks[t.key] != t {
		return domain.Metadata{}, ErrInvalidated
	}
	return q.store.WriteEntry(t.key, staged, meta)
}

func stagedPath(workDir, filePath string) (string, error) {
	if filePath == "" {
		return "", fmt.Errorf("%w: fetcher reported no file", ErrValidation)
	}
	if !filepath.IsAbs(filePath) {
		filePath = filepath.Join(workDir, filePath)
	}
	rel, err := filepath.Rel(workDir, filepath.Clean(filePath))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: file %s outside working directory", ErrValidation, filePath)
	}
	return filepath.Join(workDir, rel), nil
}

// finish resolves the waiters of t and reports whether the outcome was
// dropped because t had already been invalidated or closed.
func (q *DownloadQueue) finish(t *downloadTask, meta domain.Metadata, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.active = false
	if q.tasks[t.key] == t {
		delete(q.tasks, t.key)
	}
	q.updateGaugesLocked()
	if t.resolved {
		return true
	}
	t.resolve(meta, err)
	return false
}

func (q *DownloadQueue) observe(key string, err error, discarded bool, elapsed time.Duration) {
	switch {
	case discarded:
		metrics.FetchesTotal.WithLabelValues("invalidated").Inc()
		q.logger.Info("cache: fetch result discarded", slog.String("key", key))
	case err == nil:
		metrics.FetchesTotal.WithLabelValues("success").Inc()
		q.logger.Info("cache: fetch complete",
			slog.String("key", key),
			slog.Duration("elapsed", elapsed),
		)
	case errors.Is(err, ErrValidation):
		metrics.FetchesTotal.WithLabelValues("validation").Inc()
		metrics.FetchFailuresTotal.WithLabelValues("VALIDATION").Inc()
		q.logger.Warn("cache: fetched media rejected",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	default:
		category := domain.FetchUnknown
		var fe *domain.FetchError
		if errors.As(err, &fe) {
			category = fe.Category
		}
		metrics.FetchesTotal.WithLabelValues("failure").Inc()
		metrics.FetchFailuresTotal.WithLabelValues(string(category)).Inc()
		q.logger.Error("cache: fetch failed",
			slog.String("key", key),
			slog.String("category", string(category)),
			slog.String("error", err.Error()),
		)
	}
}
