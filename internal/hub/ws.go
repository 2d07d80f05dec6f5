package hub

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// WSHandler upgrades HTTP requests to WebSocket sessions on a Hub.
type WSHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *log.Entry
}

// NewWSHandler returns a handler serving hub sessions. Origin checks are left
// to the fronting proxy.
func NewWSHandler(h *Hub, logger *log.Entry) *WSHandler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &WSHandler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.WithField("component", "ws"),
	}
}

func (w *WSHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s, err := w.hub.Connect()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go w.writePump(conn, s)
	w.readPump(conn, s)
}

func (w *WSHandler) readPump(conn *websocket.Conn, s *Session) {
	defer func() {
		_ = w.hub.Close(s.ID())
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.WithError(err).WithField("session_id", s.ID()).Warn("unexpected websocket close")
			}
			return
		}
		s.Touch()
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = w.hub.Reject(s.ID(), "", fmt.Errorf("malformed message: %w", err))
			continue
		}
		if err := w.dispatch(s, msg); err != nil {
			w.logger.WithError(err).WithFields(log.Fields{
				"session_id": s.ID(),
				"type":       msg.Type,
				"channel":    msg.Channel,
			}).Debug("request failed")
		}
	}
}

func (w *WSHandler) dispatch(s *Session, msg Inbound) error {
	switch msg.Type {
	case TypeSubscribe:
		return w.hub.Subscribe(s.ID(), msg.Channel, msg.RequestID)
	case TypeUnsubscribe:
		return w.hub.Unsubscribe(s.ID(), msg.Channel, msg.RequestID)
	case TypePing:
		return w.hub.Ping(s.ID())
	default:
		return w.hub.Reject(s.ID(), msg.RequestID, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (w *WSHandler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.logger.WithError(err).WithField("session_id", s.ID()).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
