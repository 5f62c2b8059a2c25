package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hitloop/conductor/internal/domain"
)

const (
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 32 * 1024
)

// Server upgrades HTTP requests to WebSocket event streams.
type Server struct {
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server backed by hub.
func NewServer(h *Hub, log *zap.Logger) *Server {
	return &Server{
		hub: h,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/v1/events/ws", s.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and streams events for the
// instance named by the instance_id query parameter. Omitting it streams
// events for every instance.
func (s *Server) HandleWebSocket(c echo.Context) error {
	instanceID := c.QueryParam("instance_id")

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return err
	}

	conn := s.hub.NewConnection(ws, instanceID)
	s.hub.Register(conn)

	ws.SetReadLimit(maxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump drains the connection. Consumers send nothing meaningful; the
// read loop exists to observe pongs and closure.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes hub messages and periodic pings to the connection.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Bridge pumps events from a subscription channel into the hub until the
// channel closes. Run it in its own goroutine.
func Bridge(events <-chan domain.Event, h *Hub, log *zap.Logger) {
	for evt := range events {
		if err := h.BroadcastJSON(evt.InstanceID, evt); err != nil {
			log.Error("broadcast event", zap.String("event_id", evt.EventID), zap.Error(err))
		}
	}
}
