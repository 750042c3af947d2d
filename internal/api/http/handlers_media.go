package apihttp

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"ytkara/internal/domain"
)

type videoResponse struct {
	VideoID  string  `json:"videoId"`
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
	URL      string  `json:"url"`
}

func mediaURL(key string) string {
	return "/media/" + key
}

// handleVideo blocks until the video is cached and returns where to play it.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	if !domain.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid video id")
		return
	}

	meta, err := s.cache.EnsureCached(r.Context(), key)
	if err != nil {
		s.logger.Warn("video fetch failed",
			slog.String("videoId", key),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, videoResponse{
		VideoID:  key,
		Title:    meta.Title,
		Duration: meta.Duration,
		URL:      mediaURL(key),
	})
}

// handleMedia serves a cached media file with range support. It never
// triggers a fetch.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	path, ok := s.cache.GetCachePath(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "video is not cached")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		// Evicted between lookup and open.
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "not_found", "video is not cached")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open media")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to stat media")
		return
	}

	w.Header().Set("Content-Type", fallbackContentType(strings.ToLower(filepath.Ext(path))))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("id")
	if !domain.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid video id")
		return
	}
	if err := s.cache.Invalidate(key); err != nil {
		s.logger.Warn("invalidate failed",
			slog.String("videoId", key),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
