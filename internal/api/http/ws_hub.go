package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ytkara/internal/metrics"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = 8 << 10
	wsSendBuffer     = 256
)

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
	// id is the session client id assigned on connect.
	id string
}

// wsDelivery is a payload for every client, or only for one when to is set.
type wsDelivery struct {
	payload []byte
	to      *wsClient
	exclude *wsClient
}

type wsHub struct {
	clients    map[*wsClient]bool
	deliveries chan wsDelivery
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	count      atomic.Int64
	logger     *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		deliveries: make(chan wsDelivery, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				h.drop(client)
			}
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.setCount()
			h.logger.Debug("ws client connected",
				slog.String("clientId", client.id),
				slog.Int("total", len(h.clients)),
			)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("ws client disconnected",
					slog.String("clientId", client.id),
					slog.Int("total", len(h.clients)),
				)
			}
		case d := <-h.deliveries:
			for client := range h.clients {
				if (d.to != nil && client != d.to) || client == d.exclude {
					continue
				}
				select {
				case client.send <- d.payload:
				default:
					h.logger.Warn("ws client too slow, disconnecting", slog.String("clientId", client.id))
					h.drop(client)
				}
			}
		}
	}
}

func (h *wsHub) drop(client *wsClient) {
	close(client.send)
	delete(h.clients, client)
	h.setCount()
}

func (h *wsHub) setCount() {
	h.count.Store(int64(len(h.clients)))
	metrics.WSClients.Set(float64(len(h.clients)))
}

// add registers client. It reports false once the hub is closed.
func (h *wsHub) add(client *wsClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *wsHub) remove(client *wsClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *wsHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *wsHub) clientCount() int {
	return int(h.count.Load())
}

// broadcastMessage sends msg to every client except exclude.
func (h *wsHub) broadcastMessage(msg wsOutbound, exclude *wsClient) {
	if h.clientCount() == 0 {
		return
	}
	h.deliver(msg, nil, exclude)
}

// sendTo sends msg to a single client.
func (h *wsHub) sendTo(client *wsClient, msg wsOutbound) {
	h.deliver(msg, client, nil)
}

func (h *wsHub) deliver(msg wsOutbound, to, exclude *wsClient) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal failed",
			slog.String("type", msg.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case h.deliveries <- wsDelivery{payload: payload, to: to, exclude: exclude}:
	case <-h.done:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
