package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yar/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	streamBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleStream handles GET /api/v1/stream. Every hub event is written to
// the socket as a JSON record until the client goes away. A client that
// falls streamBuffer events behind is disconnected.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	feed := make(chan events.Record, streamBuffer)
	sub := h.hub.SubscribeEvents(feed)
	out := make(chan events.Record, streamBuffer)
	done := make(chan struct{})
	slow := make(chan struct{})

	h.logger.Debug("Stream client connected", zap.String("remote_addr", r.RemoteAddr))

	go h.readPump(conn, done)
	go forward(feed, out, slow, done)
	h.writePump(conn, out, sub.Err(), slow, done)

	sub.Unsubscribe()
	conn.Close()
	h.logger.Debug("Stream client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// readPump discards client messages and closes done when the peer leaves.
func (h *Handler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Stream read error", zap.Error(err))
			}
			return
		}
	}
}

// forward drains the hub feed so the hub never waits on a socket write.
// It closes slow when out is full.
func forward(feed <-chan events.Record, out chan<- events.Record, slow chan<- struct{}, done <-chan struct{}) {
	for {
		select {
		case rec := <-feed:
			select {
			case out <- rec:
			default:
				close(slow)
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, feed <-chan events.Record, subErr <-chan error, slow, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case rec := <-feed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-subErr:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-slow:
			h.logger.Warn("Dropping slow stream client", zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
			return
		case <-done:
			return
		}
	}
}
