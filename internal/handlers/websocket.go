package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/paulomaciel91/cactosaude-sub003/internal/models"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// eventStream fans one session's events out to every connected UI. The
// last event of each type is kept so a late subscriber starts from the
// current state.
type eventStream struct {
	sessionID string
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*eventClient
	last    map[models.EventType][]byte
	order   []models.EventType
	closed  bool
}

type eventClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newEventStream(sessionID string, logger zerolog.Logger) *eventStream {
	return &eventStream{
		sessionID: sessionID,
		logger:    logger.With().Str("session", sessionID).Logger(),
		clients:   make(map[string]*eventClient),
		last:      make(map[models.EventType][]byte),
	}
}

func (s *eventStream) publish(t models.EventType, data any) {
	msg, err := json.Marshal(models.Event{Type: t, SessionID: s.sessionID, Data: data})
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("Failed to marshal event")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, seen := s.last[t]; !seen {
		s.order = append(s.order, t)
	}
	s.last[t] = msg
	for id, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.logger.Warn().Str("client", id).Msg("Event buffer full, dropping event")
		}
	}
}

func (s *eventStream) add(c *eventClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, t := range s.order {
		c.send <- s.last[t]
	}
	s.clients[c.id] = c
	return true
}

func (s *eventStream) remove(c *eventClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
}

// close disconnects every client once the session has ended.
func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, c := range s.clients {
		delete(s.clients, id)
		close(c.send)
	}
}

// Events streams a session's events over a websocket.
func (h *Sessions) Events(c *gin.Context) {
	live, ok := h.authorize(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &eventClient{
		id:   uuid.New().String(),
		conn: conn,
		// Room for the replayed snapshot plus live traffic.
		send: make(chan []byte, sendBuffer+8),
	}
	if !live.events.add(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(live.events)
}

// readPump only watches for the client going away; the UI sends commands
// over HTTP.
func (c *eventClient) readPump(s *eventStream) {
	defer func() {
		s.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Str("client", c.id).Msg("Event stream closed")
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
