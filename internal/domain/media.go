package domain

import (
	"regexp"
	"time"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidKey reports whether key is usable as a cache directory name.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// Metadata is the persisted description of a cached media file.
// DownloadedAt is stored as epoch milliseconds.
type Metadata struct {
	VideoFile    string  `json:"videoFile"`
	Duration     float64 `json:"duration"`
	Title        string  `json:"title"`
	DownloadedAt int64   `json:"downloadedAt"`
}

func (m Metadata) DownloadedTime() time.Time {
	return time.UnixMilli(m.DownloadedAt)
}

// FetchResult is what a Fetcher reports after writing a media file.
type FetchResult struct {
	FilePath        string
	Title           string
	DurationSeconds float64
}

// CacheEntry describes one entry directory for listings.
type CacheEntry struct {
	Key        string    `json:"key"`
	Title      string    `json:"title,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
	VideoFile  string    `json:"videoFile,omitempty"`
	SizeBytes  int64     `json:"sizeBytes"`
	Valid      bool      `json:"valid"`
	LastAccess time.Time `json:"lastAccess,omitempty"`
	Retained   bool      `json:"retained"`
	Fetching   bool      `json:"fetching"`
}

// PlaybackState is the part of the session the media cache cares about.
type PlaybackState struct {
	Current string
	Queue   []string
	History []string
}
