package monitor

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Server exposes a Tracker over HTTP. GET /ws upgrades to a WebSocket
// that replays retained events and then streams live ones, /health and
// /api/events report tracker state as JSON.
type Server struct {
	tracker  *Tracker
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wraps tracker in an http.Handler. logger may be nil.
func NewServer(tracker *Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		tracker: tracker,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ws":
		s.handleWS(w, r)
	case "/health":
		s.handleHealth(w, r)
	case "/api/events":
		s.handleEvents(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.tracker.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"subscribers": st.Subscribers,
		"published":   st.Published,
		"dropped":     st.Dropped,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.tracker.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	history, events, cancel := s.tracker.SubscribeWithReplay()
	defer cancel()

	send := make(chan []byte, sendBuffer)
	go s.forward(id, history, events, send)
	go s.writePump(id, conn, send)

	s.logger.Info("subscriber connected", zap.String("client_id", id))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.String("client_id", id), zap.Error(err))
			}
			break
		}
	}
	s.logger.Info("subscriber disconnected", zap.String("client_id", id))
}

// forward marshals replayed and live events into the client's send
// buffer. A full buffer drops the event rather than holding up the
// tracker; closing the live channel closes send.
func (s *Server) forward(id string, history []Event, events <-chan Event, send chan<- []byte) {
	defer close(send)
	for _, ev := range history {
		s.enqueue(id, ev, send)
	}
	for ev := range events {
		s.enqueue(id, ev, send)
	}
}

func (s *Server) enqueue(id string, ev Event, send chan<- []byte) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("marshal event failed", zap.Error(err))
		return
	}
	select {
	case send <- b:
	default:
		s.logger.Debug("send buffer full, dropping event",
			zap.String("client_id", id),
			zap.String("type", string(ev.Type)))
	}
}

func (s *Server) writePump(id string, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write failed", zap.String("client_id", id), zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
