package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ytkara/internal/domain"
	"ytkara/internal/services/media/cache"
)

// MediaCache is the fetch-through media cache behind /api/video and /media.
type MediaCache interface {
	EnsureCached(ctx context.Context, key string) (domain.Metadata, error)
	GetCachePath(key string) (string, bool)
	Invalidate(key string) error
	Entries(state domain.PlaybackState) ([]domain.CacheEntry, error)
	Sweep(state domain.PlaybackState) cache.SweepResult
	PendingFetches() []string
	ActiveFetches() []string
}

// SessionController is the shared karaoke session driven over /ws.
type SessionController interface {
	Snapshot() domain.SessionSnapshot
	Playback() domain.PlaybackState
	OnChange(fn func(domain.SessionSnapshot))

	AddSong(song domain.Song, clientID string) (domain.QueueItem, bool, error)
	RemoveSong(queueID int64) (domain.QueueItem, error)
	ReorderQueue(from, to int) error
	PlayNext() *domain.QueueItem
	PlayPrevious() (*domain.QueueItem, error)
	SetPlaying(playing bool)
	Seek(seconds float64) float64
	UpdatePlaybackTime(seconds float64)

	AddClient(name string) domain.Client
	RemoveClient(id string)
	RenameClient(id, name string) error
	ResetQueue()
	ResetHistory()
}

type Server struct {
	cache          MediaCache
	session        SessionController
	publicPort     int
	allowedOrigins []string
	rateRPS        float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithSession(session SessionController) ServerOption {
	return func(s *Server) {
		s.session = session
	}
}

// WithPublicPort sets the port advertised by /api/network-info.
func WithPublicPort(port int) ServerOption {
	return func(s *Server) {
		s.publicPort = port
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(mediaCache MediaCache, opts ...ServerOption) *Server {
	s := &Server{
		cache:     mediaCache,
		rateRPS:   100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()
	if s.session != nil {
		s.session.OnChange(s.BroadcastState)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/video/{id}", s.handleVideo)
	mux.HandleFunc("POST /api/video/{id}/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /media/{id}", s.handleMedia)
	mux.HandleFunc("GET /api/cache", s.handleCacheList)
	mux.HandleFunc("POST /api/cache/sweep", s.handleCacheSweep)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/network-info", s.handleNetworkInfo)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "yt-kara",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && !strings.HasPrefix(p, "/media/")
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// BroadcastState pushes a session snapshot to every WebSocket client.
func (s *Server) BroadcastState(snap domain.SessionSnapshot) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.broadcastMessage(wsOutbound{Type: msgStateUpdate, State: &snap}, nil)
}

// Close disconnects all WebSocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
