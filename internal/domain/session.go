package domain

import "time"

type ClientRole string

const (
	ClientHost  ClientRole = "host"
	ClientGuest ClientRole = "guest"
)

// Song is what a client submits when adding to the queue.
type Song struct {
	VideoID   string  `json:"videoId"`
	Title     string  `json:"title"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

type QueueItem struct {
	ID        int64     `json:"id"`
	VideoID   string    `json:"videoId"`
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	AddedBy   string    `json:"addedBy,omitempty"`
	AddedAt   time.Time `json:"addedAt"`
}

type HistoryItem struct {
	QueueItem
	PlayedAt time.Time `json:"playedAt"`
	Skipped  bool      `json:"skipped"`
}

type Client struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Role     ClientRole `json:"type"`
	JoinedAt time.Time  `json:"joinedAt"`
}

// SessionState is the persisted part of a karaoke session.
type SessionState struct {
	Queue       []QueueItem   `json:"queue"`
	Current     *QueueItem    `json:"currentSong"`
	History     []HistoryItem `json:"history"`
	CurrentTime float64       `json:"currentTime"`
	NextID      int64         `json:"nextId"`
	SavedAt     time.Time     `json:"savedAt"`
}

// SessionSnapshot is the view broadcast to clients.
type SessionSnapshot struct {
	Queue       []QueueItem   `json:"queue"`
	Current     *QueueItem    `json:"currentSong"`
	History     []HistoryItem `json:"history"`
	IsPlaying   bool          `json:"isPlaying"`
	CurrentTime float64       `json:"currentTime"`
	Clients     []Client      `json:"clients"`
}

// Playback extracts the media keys relevant for caching.
func (s SessionSnapshot) Playback() PlaybackState {
	var ps PlaybackState
	if s.Current != nil {
		ps.Current = s.Current.VideoID
	}
	ps.Queue = make([]string, 0, len(s.Queue))
	for _, item := range s.Queue {
		ps.Queue = append(ps.Queue, item.VideoID)
	}
	ps.History = make([]string, 0, len(s.History))
	for _, item := range s.History {
		ps.History = append(ps.History, item.VideoID)
	}
	return ps
}
