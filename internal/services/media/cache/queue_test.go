package cache

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"ytkara/internal/domain"
)

func newTestQueue(t *testing.T, f *fakeFetcher, workers int) (*DownloadQueue, *Store) {
	t.Helper()
	s := newTestStore(t)
	q := NewDownloadQueue(s, f, QueueConfig{Workers: workers}, discardLogger())
	t.Cleanup(q.Close)
	return q, s
}

func TestEnsureCachedFetchesOnceForConcurrentCallers(t *testing.T) {
	f := newFakeFetcher()
	f.gate("k1")
	q, _ := newTestQueue(t, f, 1)

	var wg sync.WaitGroup
	results := make([]domain.Metadata, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = q.EnsureCached(context.Background(), "k1")
		}(i)
	}

	waitStarted(t, f, "k1")
	waitFor(t, "both callers to join", func() bool { return q.InFlight("k1") })
	f.ungate("k1")
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Fatalf("callers got different metadata: %+v vs %+v", results[0], results[1])
	}
	if results[0].Title != "Song k1" || results[0].VideoFile != "video.mp4" {
		t.Fatalf("unexpected metadata %+v", results[0])
	}
	if n := f.callCount("k1"); n != 1 {
		t.Fatalf("fetcher called %d times, want 1", n)
	}
}

func TestEnsureCachedHitSkipsFetcher(t *testing.T) {
	f := newFakeFetcher()
	q, s := newTestQueue(t, f, 1)
	seedEntry(t, s, "cached")

	meta, err := q.EnsureCached(context.Background(), "cached")
	if err != nil {
		t.Fatalf("EnsureCached: %v", err)
	}
	if meta.Title != "cached" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if n := len(f.callOrder()); n != 0 {
		t.Fatalf("fetcher called %d times on a cache hit", n)
	}
}

func TestEnsureCachedRejectsInvalidKey(t *testing.T) {
	q, _ := newTestQueue(t, newFakeFetcher(), 1)
	if _, err := q.EnsureCached(context.Background(), "../etc"); !errors.Is(err, domain.ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}

func TestEnsureCachedEmptyFileFailsValidation(t *testing.T) {
	f := newFakeFetcher()
	f.empty["hollow"] = true
	q, s := newTestQueue(t, f, 1)

	_, err := q.EnsureCached(context.Background(), "hollow")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if s.IsCached("hollow") {
		t.Fatalf("empty download must not be cached")
	}
	keys, _ := s.Keys()
	if len(keys) != 0 {
		t.Fatalf("no entry directory should exist, got %v", keys)
	}
}

func TestEnsureCachedRejectsFileOutsideWorkDir(t *testing.T) {
	f := newFakeFetcher()
	f.writeOutside = true
	q, _ := newTestQueue(t, f, 1)

	if _, err := q.EnsureCached(context.Background(), "escape"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCallerContextOnlyBoundsItsOwnWait(t *testing.T) {
	f := newFakeFetcher()
	f.gate("slow")
	q, _ := newTestQueue(t, f, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.EnsureCached(ctx, "slow")
		errCh <- err
	}()
	waitStarted(t, f, "slow")
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	f.ungate("slow")
	meta, err := q.EnsureCached(context.Background(), "slow")
	if err != nil {
		t.Fatalf("EnsureCached after abandoned wait: %v", err)
	}
	if meta.Title != "Song slow" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if n := f.callCount("slow"); n != 1 {
		t.Fatalf("fetcher called %d times, want 1", n)
	}
}

func TestQueueRunsTasksInFIFOOrder(t *testing.T) {
	f := newFakeFetcher()
	f.gate("first")
	q, _ := newTestQueue(t, f, 1)

	q.Prefetch([]string{"first"})
	waitStarted(t, f, "first")

	q.Prefetch([]string{"second", "third"})
	q.Prefetch([]string{"fourth"})
	if got := q.Pending(); !reflect.DeepEqual(got, []string{"second", "third", "fourth"}) {
		t.Fatalf("Pending() = %v", got)
	}

	f.ungate("first")
	waitFor(t, "queue to drain", func() bool { return len(f.callOrder()) == 4 && !q.InFlight("fourth") })

	want := []string{"first", "second", "third", "fourth"}
	if got := f.callOrder(); !reflect.DeepEqual(got, want) {
		t.Fatalf("fetch order = %v, want %v", got, want)
	}
}

func TestQueueSerializesFetchesWithOneWorker(t *testing.T) {
	f := newFakeFetcher()
	f.gate("a")
	q, _ := newTestQueue(t, f, 1)

	q.Prefetch([]string{"a", "b"})
	waitStarted(t, f, "a")

	time.Sleep(20 * time.Millisecond)
	if got := q.Active(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("Active() = %v, want only a", got)
	}
	if n := f.callCount("b"); n != 0 {
		t.Fatalf("b started while a was running")
	}
	f.ungate("a")
	waitStarted(t, f, "b")
}

func TestQueueWorkerPoolRunsConcurrently(t *testing.T) {
	f := newFakeFetcher()
	f.gate("a")
	f.gate("b")
	q, _ := newTestQueue(t, f, 2)

	q.Prefetch([]string{"a", "b"})
	started := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-f.started:
			started[key] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d fetches started concurrently", len(started))
		}
	}
	if !started["a"] || !started["b"] {
		t.Fatalf("started = %v, want a and b", started)
	}
	f.ungate("a")
	f.ungate("b")
	waitFor(t, "pool to drain", func() bool { return !q.InFlight("a") && !q.InFlight("b") })
}

func TestFailedTaskDoesNotStallQueue(t *testing.T) {
	f := newFakeFetcher()
	f.fail("broken", &domain.FetchError{Key: "broken", Category: domain.FetchVideoUnavailable, Err: errors.New("exit status 1")})
	q, s := newTestQueue(t, f, 1)

	_, err := q.EnsureCached(context.Background(), "broken")
	var fe *domain.FetchError
	if !errors.As(err, &fe) || fe.Category != domain.FetchVideoUnavailable {
		t.Fatalf("err = %v, want FetchError(VIDEO_UNAVAILABLE)", err)
	}

	if _, err := q.EnsureCached(context.Background(), "fine"); err != nil {
		t.Fatalf("next task failed: %v", err)
	}
	if !s.IsCached("fine") {
		t.Fatalf("next task should be cached")
	}
	if q.InFlight("broken") {
		t.Fatalf("failed task must leave the in-flight set")
	}
}

func TestFailedTaskCanBeRetried(t *testing.T) {
	f := newFakeFetcher()
	f.fail("flaky", errors.New("network down"))
	q, _ := newTestQueue(t, f, 1)

	if _, err := q.EnsureCached(context.Background(), "flaky"); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	f.fail("flaky", nil)
	if _, err := q.EnsureCached(context.Background(), "flaky"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := f.callCount("flaky"); n != 2 {
		t.Fatalf("fetcher called %d times, want 2", n)
	}
}

func TestPrefetchSkipsCachedAndInFlightKeys(t *testing.T) {
	f := newFakeFetcher()
	f.gate("busy")
	q, s := newTestQueue(t, f, 1)
	seedEntry(t, s, "done")

	q.Prefetch([]string{"busy"})
	waitStarted(t, f, "busy")

	q.Prefetch([]string{"done", "busy", "busy", "", "bad/key"})
	if got := q.Pending(); len(got) != 0 {
		t.Fatalf("Pending() = %v, want empty", got)
	}
	f.ungate("busy")
	waitFor(t, "busy to finish", func() bool { return !q.InFlight("busy") })

	if got := f.callOrder(); !reflect.DeepEqual(got, []string{"busy"}) {
		t.Fatalf("fetch calls = %v", got)
	}
}

func TestInvalidateQueuedTaskRejectsWaiters(t *testing.T) {
	f := newFakeFetcher()
	f.gate("head")
	q, _ := newTestQueue(t, f, 1)

	q.Prefetch([]string{"head"})
	waitStarted(t, f, "head")

	errCh := make(chan error, 1)
	go func() {
		_, err := q.EnsureCached(context.Background(), "queued")
		errCh <- err
	}()
	waitFor(t, "queued task", func() bool { return q.Depth() == 1 })

	if err := q.Invalidate("queued"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrInvalidated) {
			t.Fatalf("err = %v, want ErrInvalidated", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter of invalidated task was never released")
	}
	if q.Depth() != 0 {
		t.Fatalf("queued task should be removed")
	}

	f.ungate("head")
	waitFor(t, "head to finish", func() bool { return !q.InFlight("head") })
	if n := f.callCount("queued"); n != 0 {
		t.Fatalf("invalidated queued task was fetched")
	}
}

func TestInvalidateReleasesQueueWhileDeleting(t *testing.T) {
	q, s := newTestQueue(t, newFakeFetcher(), 1)
	seedEntry(t, s, "slow")

	entered := make(chan struct{})
	release := make(chan struct{})
	s.removeAll = func(path string) error {
		close(entered)
		<-release
		return os.RemoveAll(path)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- q.Invalidate("slow") }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("Invalidate never reached the store")
	}

	inspected := make(chan struct{})
	go func() {
		q.InFlight("other")
		q.Pending()
		q.Active()
		close(inspected)
	}()
	select {
	case <-inspected:
	case <-time.After(time.Second):
		close(release)
		t.Fatalf("queue stayed locked while the entry was being removed")
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if s.IsCached("slow") {
		t.Fatalf("entry should be gone")
	}
}

func TestEnqueueDoesNotRepairUnderLock(t *testing.T) {
	f := newFakeFetcher()
	f.gate("bad")
	q, s := newTestQueue(t, f, 1)
	writeRawEntry(t, s, "bad", `{"videoFile":`, []byte("x"))

	removals := 0
	s.removeAll = func(path string) error {
		removals++
		return os.RemoveAll(path)
	}

	_, created, err := q.enqueue("bad")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("a corrupt entry should be refetched")
	}
	if removals != 0 {
		t.Fatalf("enqueue removed %d entries", removals)
	}
	waitStarted(t, f, "bad")
	f.ungate("bad")
	waitFor(t, "refetch to land", func() bool { return !q.InFlight("bad") })
	if !s.IsCached("bad") {
		t.Fatalf("refetched entry should be cached")
	}
}

func TestInvalidateActiveFetchCancelsAndRefetches(t *testing.T) {
	f := newFakeFetcher()
	f.gate("live")
	q, s := newTestQueue(t, f, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.EnsureCached(context.Background(), "live")
		errCh <- err
	}()
	waitStarted(t, f, "live")

	if err := q.Invalidate("live"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrInvalidated) {
		t.Fatalf("err = %v, want ErrInvalidated", err)
	}
	if q.InFlight("live") {
		t.Fatalf("single-flight record should be cleared")
	}

	f.ungate("live")
	meta, err := q.EnsureCached(context.Background(), "live")
	if err != nil {
		t.Fatalf("EnsureCached after invalidate: %v", err)
	}
	if meta.Title != "Song live" || !s.IsCached("live") {
		t.Fatalf("expected fresh entry, got %+v", meta)
	}
	if n := f.callCount("live"); n != 2 {
		t.Fatalf("fetcher called %d times, want 2", n)
	}
}

func TestInvalidateDiscardsLateResult(t *testing.T) {
	f := newFakeFetcher()
	f.ignoreCancel = true
	gate := f.gate("stubborn")
	q, s := newTestQueue(t, f, 1)

	q.Prefetch([]string{"stubborn"})
	waitStarted(t, f, "stubborn")
	if err := q.Invalidate("stubborn"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	// The single worker only picks up "after" once the stubborn fetch is done.
	q.Prefetch([]string{"after"})
	close(gate)
	waitStarted(t, f, "after")
	waitFor(t, "after to finish", func() bool { return !q.InFlight("after") })

	if s.IsCached("stubborn") {
		t.Fatalf("result of an invalidated fetch must be discarded")
	}
	keys, _ := s.Keys()
	if !reflect.DeepEqual(keys, []string{"after"}) {
		t.Fatalf("Keys() = %v, want only after", keys)
	}
}

func TestInvalidateRemovesCachedEntry(t *testing.T) {
	q, s := newTestQueue(t, newFakeFetcher(), 1)
	seedEntry(t, s, "old")

	if err := q.Invalidate("old"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if s.IsCached("old") {
		t.Fatalf("entry should be deleted")
	}
}

func TestCloseRejectsWaiters(t *testing.T) {
	f := newFakeFetcher()
	f.gate("a")
	s := newTestStore(t)
	q := NewDownloadQueue(s, f, QueueConfig{Workers: 1}, discardLogger())

	errCh := make(chan error, 2)
	wait := func(key string) {
		_, err := q.EnsureCached(context.Background(), key)
		errCh <- err
	}
	go wait("a")
	waitStarted(t, f, "a")
	go wait("b")
	waitFor(t, "b queued", func() bool { return q.Depth() == 1 })

	q.Close()
	for i := 0; i < 2; i++ {
		if err := <-errCh; !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("err = %v, want ErrQueueClosed", err)
		}
	}
	if _, err := q.EnsureCached(context.Background(), "c"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("EnsureCached after Close: %v", err)
	}
}

func TestFetchTimeoutAppliesToFetcher(t *testing.T) {
	f := newFakeFetcher()
	f.gate("hang")
	s := newTestStore(t)
	q := NewDownloadQueue(s, f, QueueConfig{Workers: 1, FetchTimeout: 20 * time.Millisecond}, discardLogger())
	t.Cleanup(q.Close)

	_, err := q.EnsureCached(context.Background(), "hang")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
