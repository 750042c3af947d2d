package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ytkara/internal/domain"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeFetcher writes a small deterministic file per key. Keys listed in
// gates block until the gate is closed.
type fakeFetcher struct {
	mu           sync.Mutex
	calls        []string
	gates        map[string]chan struct{}
	failures     map[string]error
	empty        map[string]bool
	ignoreCancel bool
	started      chan string
	writeOutside bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		gates:    make(map[string]chan struct{}),
		failures: make(map[string]error),
		empty:    make(map[string]bool),
		started:  make(chan string, 64),
	}
}

func (f *fakeFetcher) gate(key string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[key] = ch
	return ch
}

func (f *fakeFetcher) ungate(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.gates[key]; ok {
		close(ch)
		delete(f.gates, key)
	}
}

func (f *fakeFetcher) fail(key string, err error) {
	f.mu.Lock()
	f.failures[key] = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFetcher) Fetch(ctx context.Context, key, workDir string) (domain.FetchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	gate := f.gates[key]
	err := f.failures[key]
	empty := f.empty[key]
	ignoreCancel := f.ignoreCancel
	outside := f.writeOutside
	f.mu.Unlock()

	f.started <- key

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return domain.FetchResult{}, ctx.Err()
			}
		}
	}
	if err != nil {
		return domain.FetchResult{}, err
	}

	path := filepath.Join(workDir, "video.mp4")
	if outside {
		path = filepath.Join(filepath.Dir(workDir), key+"-escape.mp4")
	}
	data := []byte("media:" + key)
	if empty {
		data = nil
	}
	if werr := os.WriteFile(path, data, 0o644); werr != nil {
		return domain.FetchResult{}, werr
	}
	return domain.FetchResult{FilePath: path, Title: "Song " + key, DurationSeconds: 215}, nil
}

func waitStarted(t *testing.T, f *fakeFetcher, want string) {
	t.Helper()
	select {
	case got := <-f.started:
		if got != want {
			t.Fatalf("fetch started for %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for fetch of %q", want)
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.retryDelay = time.Millisecond
	return s
}

// writeRawEntry lays out an entry directory by hand.
func writeRawEntry(t *testing.T, s *Store, key, metadata string, media []byte) {
	t.Helper()
	dir := filepath.Join(s.Root(), key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if metadata != "" {
		if err := os.WriteFile(filepath.Join(dir, metadataFileName), []byte(metadata), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if media != nil {
		if err := os.WriteFile(filepath.Join(dir, "video.mp4"), media, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func seedEntry(t *testing.T, s *Store, key string) {
	t.Helper()
	writeRawEntry(t, s, key, `{"videoFile":"video.mp4","duration":200,"title":"`+key+`","downloadedAt":1714593600000}`, []byte("data"))
}
