package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ytkara/internal/domain"
	"ytkara/internal/domain/ports"
	"ytkara/internal/metrics"
)

const (
	// SnapshotHistory is how many played songs clients get to see.
	SnapshotHistory = 10
	// skipTolerance separates a skipped song from one that played out.
	skipTolerance = 5.0

	defaultHistoryLimit = 50
)

type Options struct {
	Store        ports.SessionStore
	HistoryLimit int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Manager owns the shared karaoke session: the queue, the song on screen,
// the play history and the connected clients. Every mutation is pushed to
// the registered observers and scheduled for persistence.
type Manager struct {
	store        ports.SessionStore
	historyLimit int
	now          func() time.Time
	logger       *slog.Logger
	timeout      time.Duration

	mu          sync.RWMutex
	queue       []domain.QueueItem
	current     *domain.QueueItem
	history     []domain.HistoryItem
	isPlaying   bool
	currentTime float64
	clients     []domain.Client
	nextID      int64
	clientSeq   int64
	dirty       bool

	obsMu     sync.RWMutex
	observers []func(domain.SessionSnapshot)

	saveCh chan struct{}
}

func NewManager(opts Options) *Manager {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        opts.Store,
		historyLimit: limit,
		now:          now,
		logger:       logger,
		timeout:      5 * time.Second,
		nextID:       1,
		saveCh:       make(chan struct{}, 1),
	}
}

// Restore loads the persisted session. Playback always resumes paused and
// clients are never restored.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	state, err := m.store.Load(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session: %w", err)
	}

	m.mu.Lock()
	m.queue = state.Queue
	m.current = state.Current
	m.history = state.History
	m.currentTime = state.CurrentTime
	m.isPlaying = false
	m.nextID = state.NextID
	if m.nextID < 1 {
		m.nextID = 1
	}
	for _, item := range m.queue {
		if item.ID >= m.nextID {
			m.nextID = item.ID + 1
		}
	}
	m.mu.Unlock()

	m.logger.Info("session restored",
		slog.Int("queue", len(state.Queue)),
		slog.Int("history", len(state.History)),
		slog.Bool("hasCurrent", state.Current != nil),
	)
	return nil
}

// OnChange registers fn to receive a snapshot after every mutation.
func (m *Manager) OnChange(fn func(domain.SessionSnapshot)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) Snapshot() domain.SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		Queue:       append([]domain.QueueItem{}, m.queue...),
		History:     append([]domain.HistoryItem{}, lastHistory(m.history, SnapshotHistory)...),
		IsPlaying:   m.isPlaying,
		CurrentTime: m.currentTime,
		Clients:     append([]domain.Client{}, m.clients...),
	}
	if m.current != nil {
		cur := *m.current
		snap.Current = &cur
	}
	return snap
}

// Playback returns the media keys of the whole session, history included.
func (m *Manager) Playback() domain.PlaybackState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	full := domain.SessionSnapshot{Queue: m.queue, Current: m.current, History: m.history}
	return full.Playback()
}

func lastHistory(h []domain.HistoryItem, n int) []domain.HistoryItem {
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// mutate applies fn under the write lock and, when fn reports a change,
// schedules a save and notifies observers.
func (m *Manager) mutate(fn func() bool) {
	m.mu.Lock()
	changed := fn()
	var snap domain.SessionSnapshot
	if changed {
		m.dirty = true
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
	m.notify(snap)
}

func (m *Manager) notify(snap domain.SessionSnapshot) {
	m.obsMu.RLock()
	observers := append([]func(domain.SessionSnapshot){}, m.observers...)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(snap)
	}
}

// AddSong appends song to the queue. When nothing is playing the song starts
// right away and started is true.
func (m *Manager) AddSong(song domain.Song, clientID string) (item domain.QueueItem, started bool, err error) {
	if !domain.ValidKey(song.VideoID) {
		return domain.QueueItem{}, false, fmt.Errorf("%w: %q", domain.ErrInvalidKey, song.VideoID)
	}
	m.mutate(func() bool {
		item = domain.QueueItem{
			ID:        m.nextID,
			VideoID:   song.VideoID,
			Title:     strings.TrimSpace(song.Title),
			Thumbnail: song.Thumbnail,
			Duration:  song.Duration,
			AddedBy:   m.clientNameLocked(clientID),
			AddedAt:   m.now(),
		}
		m.nextID++
		m.queue = append(m.queue, item)
		if m.current == nil {
			m.advanceLocked()
			started = true
		}
		return true
	})
	return item, started, nil
}

func (m *Manager) clientNameLocked(clientID string) string {
	for _, c := range m.clients {
		if c.ID == clientID {
			return c.Name
		}
	}
	return clientID
}

func (m *Manager) RemoveSong(queueID int64) (removed domain.QueueItem, err error) {
	err = domain.ErrNotFound
	m.mutate(func() bool {
		for i, item := range m.queue {
			if item.ID == queueID {
				removed = item
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				err = nil
				return true
			}
		}
		return false
	})
	return removed, err
}

func (m *Manager) ReorderQueue(from, to int) (err error) {
	m.mutate(func() bool {
		n := len(m.queue)
		if from < 0 || from >= n || to < 0 || to >= n {
			err = fmt.Errorf("%w: reorder %d -> %d with %d queued", domain.ErrInvalidArgument, from, to, n)
			return false
		}
		item := m.queue[from]
		m.queue = append(m.queue[:from], m.queue[from+1:]...)
		m.queue = append(m.queue[:to], append([]domain.QueueItem{item}, m.queue[to:]...)...)
		return true
	})
	return err
}

// PlayNext moves the current song to history and starts the head of the
// queue. It returns nil when the queue was empty.
func (m *Manager) PlayNext() (next *domain.QueueItem) {
	m.mutate(func() bool {
		next = m.advanceLocked()
		return true
	})
	return next
}

func (m *Manager) advanceLocked() *domain.QueueItem {
	if m.current != nil {
		m.history = append(m.history, domain.HistoryItem{
			QueueItem: *m.current,
			PlayedAt:  m.now(),
			Skipped:   m.currentTime < m.current.Duration-skipTolerance,
		})
		m.history = lastHistory(m.history, m.historyLimit)
	}
	m.currentTime = 0
	if len(m.queue) == 0 {
		m.current = nil
		m.isPlaying = false
		return nil
	}
	head := m.queue[0]
	m.queue = m.queue[1:]
	m.current = &head
	m.isPlaying = true
	cur := head
	return &cur
}

// PlayPrevious brings back the last played song; the interrupted one goes
// back to the head of the queue.
func (m *Manager) PlayPrevious() (prev *domain.QueueItem, err error) {
	err = domain.ErrNotFound
	m.mutate(func() bool {
		if len(m.history) == 0 {
			return false
		}
		if m.current != nil {
			m.queue = append([]domain.QueueItem{*m.current}, m.queue...)
		}
		last := m.history[len(m.history)-1]
		m.history = m.history[:len(m.history)-1]
		item := last.QueueItem
		m.current = &item
		m.currentTime = 0
		m.isPlaying = true
		cur := item
		prev = &cur
		err = nil
		return true
	})
	return prev, err
}

func (m *Manager) SetPlaying(playing bool) {
	m.mutate(func() bool {
		m.isPlaying = playing
		return true
	})
}

// Seek moves the playhead, clamped to the current song.
func (m *Manager) Seek(seconds float64) (pos float64) {
	m.mutate(func() bool {
		limit := 0.0
		if m.current != nil {
			limit = m.current.Duration
		}
		pos = clamp(seconds, 0, limit)
		m.currentTime = pos
		return true
	})
	return pos
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// UpdatePlaybackTime records the player position without notifying
// observers; it is persisted with the next save.
func (m *Manager) UpdatePlaybackTime(seconds float64) {
	m.mu.Lock()
	if seconds >= 0 {
		m.currentTime = seconds
		m.dirty = true
	}
	m.mu.Unlock()
}

// AddClient registers a connection. The first client of an empty session
// becomes the host.
func (m *Manager) AddClient(name string) (client domain.Client) {
	m.mutate(func() bool {
		m.clientSeq++
		role := domain.ClientGuest
		if len(m.clients) == 0 {
			role = domain.ClientHost
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("User %d", len(m.clients)+1)
		}
		client = domain.Client{
			ID:       fmt.Sprintf("client-%d", m.clientSeq),
			Name:     name,
			Role:     role,
			JoinedAt: m.now(),
		}
		m.clients = append(m.clients, client)
		return true
	})
	return client
}

func (m *Manager) RemoveClient(id string) {
	m.mutate(func() bool {
		for i, c := range m.clients {
			if c.ID == id {
				m.clients = append(m.clients[:i], m.clients[i+1:]...)
				return true
			}
		}
		return false
	})
}

func (m *Manager) RenameClient(id, name string) (err error) {
	err = domain.ErrNotFound
	m.mutate(func() bool {
		for i := range m.clients {
			if m.clients[i].ID != id {
				continue
			}
			name = strings.TrimSpace(name)
			if name == "" {
				name = fmt.Sprintf("User %d", i+1)
			}
			m.clients[i].Name = name
			err = nil
			return true
		}
		return false
	})
	return err
}

// ResetQueue clears the queue and stops playback.
func (m *Manager) ResetQueue() {
	m.mutate(func() bool {
		m.queue = nil
		m.current = nil
		m.currentTime = 0
		m.isPlaying = false
		return true
	})
}

func (m *Manager) ResetHistory() {
	m.mutate(func() bool {
		m.history = nil
		return true
	})
}

func (m *Manager) persistentStateLocked() domain.SessionState {
	state := domain.SessionState{
		Queue:       append([]domain.QueueItem{}, m.queue...),
		History:     append([]domain.HistoryItem{}, lastHistory(m.history, m.historyLimit)...),
		CurrentTime: m.currentTime,
		NextID:      m.nextID,
		SavedAt:     m.now(),
	}
	if m.current != nil {
		cur := *m.current
		state.Current = &cur
	}
	return state
}

// Save writes the session to the store if it changed since the last save.
func (m *Manager) Save(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	if !m.dirty {
		m.mu.Unlock()
		return nil
	}
	state := m.persistentStateLocked()
	m.dirty = false
	m.mu.Unlock()

	if err := m.store.Save(ctx, state); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		metrics.SessionSaveErrors.Inc()
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Run persists the session after mutations and every interval while
// playback time advances. A final save happens when ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
			m.saveLogged(saveCtx)
			cancel()
			return
		case <-m.saveCh:
		case <-ticker.C:
		}
		saveCtx, cancel := context.WithTimeout(ctx, m.timeout)
		m.saveLogged(saveCtx)
		cancel()
	}
}

func (m *Manager) saveLogged(ctx context.Context) {
	if err := m.Save(ctx); err != nil {
		m.logger.Warn("session save failed", slog.String("error", err.Error()))
	}
}
