package apihttp

import (
	"net/http"

	"ytkara/internal/domain"
)

type networkInfoResponse struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		writeJSON(w, http.StatusOK, domain.SessionSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleNetworkInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, networkInfoResponse{IP: localIPv4(), Port: s.publicPort})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
