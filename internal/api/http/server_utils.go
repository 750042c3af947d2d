package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"ytkara/internal/domain"
	"ytkara/internal/services/media/cache"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	var fetchErr *domain.FetchError
	switch {
	case errors.Is(err, domain.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid video id")
	case errors.As(err, &fetchErr):
		writeJSON(w, http.StatusBadGateway, errorEnvelope{Error: errorPayload{
			Code:     "fetch_failed",
			Message:  fetchErr.UserMessage(),
			Category: string(fetchErr.Category),
		}})
	case errors.Is(err, cache.ErrValidation):
		writeError(w, http.StatusBadGateway, "fetch_failed", "downloaded media is unusable")
	case errors.Is(err, cache.ErrInvalidated):
		writeError(w, http.StatusConflict, "invalidated", "video was invalidated while downloading")
	case errors.Is(err, cache.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server is shutting down")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request cancelled before the video was ready")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func fallbackContentType(ext string) string {
	switch ext {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".opus", ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// localIPv4 returns the first non-loopback IPv4 address of an interface
// that is up, or "localhost".
func localIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "localhost"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4.String()
			}
		}
	}
	return "localhost"
}
