package apihttp

import (
	"log/slog"
	"net/http"

	"ytkara/internal/domain"
)

type cacheListResponse struct {
	Entries    []domain.CacheEntry `json:"entries"`
	TotalBytes int64               `json:"totalBytes"`
	Pending    []string            `json:"pending"`
	Active     []string            `json:"active"`
}

type sweepResponse struct {
	Deleted  []string `json:"deleted"`
	Retained []string `json:"retained"`
	Recent   []string `json:"recent"`
	InFlight []string `json:"inFlight"`
	Failed   []string `json:"failed"`
}

func (s *Server) playback() domain.PlaybackState {
	if s.session == nil {
		return domain.PlaybackState{}
	}
	return s.session.Playback()
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cache.Entries(s.playback())
	if err != nil {
		s.logger.Error("cache listing failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list cache")
		return
	}

	resp := cacheListResponse{
		Entries: entries,
		Pending: nonNil(s.cache.PendingFetches()),
		Active:  nonNil(s.cache.ActiveFetches()),
	}
	for _, e := range entries {
		resp.TotalBytes += e.SizeBytes
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheSweep(w http.ResponseWriter, r *http.Request) {
	res := s.cache.Sweep(s.playback())
	writeJSON(w, http.StatusOK, sweepResponse{
		Deleted:  nonNil(res.Deleted),
		Retained: nonNil(res.Retained),
		Recent:   nonNil(res.Recent),
		InFlight: nonNil(res.InFlight),
		Failed:   nonNil(res.Failed),
	})
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
