// Package ws streams the tagged event stream to WebSocket consumers.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection represents a single WebSocket consumer. An empty InstanceID
// subscribes to events for every instance.
type Connection struct {
	ID         string
	InstanceID string
	Conn       *websocket.Conn
	Send       chan []byte
	mu         sync.Mutex
}

// Hub fans events out to WebSocket connections, keyed by instance id.
type Hub struct {
	connections map[string]*Connection

	// instances maps instance_id to the set of connection IDs watching it.
	instances map[string]map[string]bool

	// firehose is the set of connections watching every instance.
	firehose map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *instanceMessage

	log *zap.Logger
	mu  sync.RWMutex
}

type instanceMessage struct {
	instanceID string
	data       []byte
}

// NewHub creates a new Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		instances:   make(map[string]map[string]bool),
		firehose:    make(map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *instanceMessage, 256),
		log:         log,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.InstanceID == "" {
				h.firehose[conn.ID] = true
			} else {
				if h.instances[conn.InstanceID] == nil {
					h.instances[conn.InstanceID] = make(map[string]bool)
				}
				h.instances[conn.InstanceID][conn.ID] = true
			}
			h.mu.Unlock()
			h.log.Debug("ws connection registered",
				zap.String("connection_id", conn.ID),
				zap.String("instance_id", conn.InstanceID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				delete(h.firehose, conn.ID)
				if conn.InstanceID != "" && h.instances[conn.InstanceID] != nil {
					delete(h.instances[conn.InstanceID], conn.ID)
					if len(h.instances[conn.InstanceID]) == 0 {
						delete(h.instances, conn.InstanceID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			h.log.Debug("ws connection unregistered", zap.String("connection_id", conn.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.instances[msg.instanceID] {
				h.send(connID, msg.data)
			}
			for connID := range h.firehose {
				h.send(connID, msg.data)
			}
			h.mu.RUnlock()
		}
	}
}

// send delivers data to one connection, dropping it when its buffer is
// full. Caller holds at least the read lock.
func (h *Hub) send(connID string, data []byte) {
	conn, ok := h.connections[connID]
	if !ok {
		return
	}
	select {
	case conn.Send <- data:
	default:
		h.log.Warn("ws buffer full, closing connection", zap.String("connection_id", connID))
		go h.Unregister(conn)
	}
}

// NewConnection wraps a WebSocket in a hub connection watching instanceID.
func (h *Hub) NewConnection(ws *websocket.Conn, instanceID string) *Connection {
	return &Connection{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Conn:       ws,
		Send:       make(chan []byte, 256),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Broadcast sends a message to every connection watching instanceID, plus
// the firehose connections.
func (h *Hub) Broadcast(instanceID string, data []byte) {
	h.broadcast <- &instanceMessage{instanceID: instanceID, data: data}
}

// BroadcastJSON marshals v and broadcasts it.
func (h *Hub) BroadcastJSON(instanceID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(instanceID, data)
	return nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
