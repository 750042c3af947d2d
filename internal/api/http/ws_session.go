package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ytkara/internal/domain"
)

// Inbound message types.
const (
	msgAddSong        = "ADD_SONG"
	msgRemoveSong     = "REMOVE_SONG"
	msgReorderQueue   = "REORDER_QUEUE"
	msgSkipSong       = "SKIP_SONG"
	msgPreviousSong   = "PREVIOUS_SONG"
	msgPlayPause      = "PLAY_PAUSE"
	msgSeek           = "SEEK"
	msgPlaybackUpdate = "PLAYBACK_UPDATE"
	msgUpdateName     = "UPDATE_NAME"
	msgResetQueue     = "RESET_QUEUE"
	msgResetHistory   = "RESET_HISTORY"
)

// Outbound message types. SEEK is shared with the inbound set.
const (
	msgWelcome      = "WELCOME"
	msgStateUpdate  = "STATE_UPDATE"
	msgClientJoined = "CLIENT_JOINED"
	msgClientLeft   = "CLIENT_LEFT"
	msgError        = "ERROR"
)

var errMalformedMessage = errors.New("malformed message")

type wsInbound struct {
	Type        string       `json:"type"`
	Song        *domain.Song `json:"song,omitempty"`
	QueueID     int64        `json:"queueId,omitempty"`
	FromIndex   int          `json:"fromIndex"`
	ToIndex     int          `json:"toIndex"`
	IsPlaying   *bool        `json:"isPlaying,omitempty"`
	Time        float64      `json:"time,omitempty"`
	CurrentTime float64      `json:"currentTime,omitempty"`
	Name        string       `json:"name,omitempty"`
}

type wsOutbound struct {
	Type     string                  `json:"type"`
	ClientID string                  `json:"clientId,omitempty"`
	State    *domain.SessionSnapshot `json:"state,omitempty"`
	Client   *domain.Client          `json:"client,omitempty"`
	Time     *float64                `json:"time,omitempty"`
	Message  string                  `json:"message,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil || s.session == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}

	member := s.session.AddClient(r.URL.Query().Get("name"))
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		id:   member.ID,
	}
	if !s.wsHub.add(client) {
		conn.Close()
		s.session.RemoveClient(member.ID)
		return
	}
	s.logger.Info("ws client joined",
		slog.String("clientId", member.ID),
		slog.String("role", string(member.Role)),
	)

	snap := s.session.Snapshot()
	s.wsHub.sendTo(client, wsOutbound{Type: msgWelcome, ClientID: member.ID, State: &snap})
	s.wsHub.broadcastMessage(wsOutbound{Type: msgClientJoined, Client: &member}, client)

	go client.writePump()
	go s.readPump(client)
}

func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.wsHub.remove(c)
		c.conn.Close()
		s.session.RemoveClient(c.id)
		s.wsHub.broadcastMessage(wsOutbound{Type: msgClientLeft, ClientID: c.id}, nil)
		s.logger.Info("ws client left", slog.String("clientId", c.id))
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("ws read failed",
					slog.String("clientId", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if err := s.handleWSMessage(c, data); err != nil {
			s.logger.Warn("ws message rejected",
				slog.String("clientId", c.id),
				slog.String("error", err.Error()),
			)
			s.wsHub.sendTo(c, wsOutbound{Type: msgError, Message: wsErrorMessage(err)})
		}
	}
}

// handleWSMessage applies one client command to the session. State changes
// reach every client through the session observer.
func (s *Server) handleWSMessage(c *wsClient, data []byte) error {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", errMalformedMessage, err)
	}

	switch msg.Type {
	case msgAddSong:
		if msg.Song == nil {
			return fmt.Errorf("%w: song is required", domain.ErrInvalidArgument)
		}
		_, _, err := s.session.AddSong(*msg.Song, c.id)
		return err
	case msgRemoveSong:
		_, err := s.session.RemoveSong(msg.QueueID)
		return err
	case msgReorderQueue:
		return s.session.ReorderQueue(msg.FromIndex, msg.ToIndex)
	case msgSkipSong:
		s.session.PlayNext()
	case msgPreviousSong:
		_, err := s.session.PlayPrevious()
		return err
	case msgPlayPause:
		playing := !s.session.Snapshot().IsPlaying
		if msg.IsPlaying != nil {
			playing = *msg.IsPlaying
		}
		s.session.SetPlaying(playing)
	case msgSeek:
		pos := s.session.Seek(msg.Time)
		s.wsHub.broadcastMessage(wsOutbound{Type: msgSeek, Time: &pos}, nil)
	case msgPlaybackUpdate:
		s.session.UpdatePlaybackTime(msg.CurrentTime)
	case msgUpdateName:
		return s.session.RenameClient(c.id, msg.Name)
	case msgResetQueue:
		s.session.ResetQueue()
	case msgResetHistory:
		s.session.ResetHistory()
	default:
		return fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidArgument, msg.Type)
	}
	return nil
}

func wsErrorMessage(err error) string {
	switch {
	case errors.Is(err, errMalformedMessage):
		return "malformed message"
	case errors.Is(err, domain.ErrInvalidKey):
		return "invalid video id"
	case errors.Is(err, domain.ErrNotFound):
		return "no such item"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid request"
	default:
		return "failed to process request"
	}
}
