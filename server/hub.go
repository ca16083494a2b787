package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/protocol"
)

// Client represents a connected push socket.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	user   *models.User
	send   chan []byte
	rooms  map[string]bool // Joined conversation IDs
	roomMu sync.RWMutex
}

// Hub manages push sockets and per-conversation rooms.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	rooms      map[string]map[*Client]bool // conversationID -> clients
	roomsMu    sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan *roomMessage
	done       chan struct{}
}

type roomMessage struct {
	conversationID string
	data           []byte
}

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *roomMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns once Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			h.clientsMu.Unlock()
			h.logger.Info("client connected", zap.String("user_id", client.user.ID))

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.roomsMu.RLock()
			members := make([]*Client, 0, len(h.rooms[msg.conversationID]))
			for client := range h.rooms[msg.conversationID] {
				members = append(members, client)
			}
			h.roomsMu.RUnlock()

			for _, client := range members {
				select {
				case client.send <- msg.data:
				default:
					// Client buffer full, disconnect
					h.remove(client)
				}
			}

		case <-h.done:
			return
		}
	}
}

// Stop ends the main loop.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) remove(client *Client) {
	h.clientsMu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientsMu.Unlock()
	if !ok {
		return
	}

	client.roomMu.Lock()
	for conversationID := range client.rooms {
		h.leaveRoom(client, conversationID)
	}
	client.rooms = make(map[string]bool)
	client.roomMu.Unlock()
	h.logger.Info("client disconnected", zap.String("user_id", client.user.ID))
}

// Join adds a client to a conversation room. Joining twice is a no-op.
func (h *Hub) Join(client *Client, conversationID string) {
	h.roomsMu.Lock()
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]bool)
	}
	h.rooms[conversationID][client] = true
	h.roomsMu.Unlock()

	client.roomMu.Lock()
	client.rooms[conversationID] = true
	client.roomMu.Unlock()
}

// Leave removes a client from a conversation room.
func (h *Hub) Leave(client *Client, conversationID string) {
	h.leaveRoom(client, conversationID)

	client.roomMu.Lock()
	delete(client.rooms, conversationID)
	client.roomMu.Unlock()
}

func (h *Hub) leaveRoom(client *Client, conversationID string) {
	h.roomsMu.Lock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	h.roomsMu.Unlock()
}

// RoomSize returns how many clients have joined a conversation.
func (h *Hub) RoomSize(conversationID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[conversationID])
}

// Broadcast pushes a newMessage frame to everyone in the message's room.
func (h *Hub) Broadcast(msg *models.ServerMessage) {
	data, err := protocol.Marshal(protocol.TypeNewMessage, msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- &roomMessage{conversationID: msg.ConversationID, data: data}:
	case <-h.done:
	}
}

// NewClient creates a new client for the hub.
func (h *Hub) NewClient(conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		hub:   h,
		conn:  conn,
		user:  user,
		send:  make(chan []byte, 256),
		rooms: make(map[string]bool),
	}
}

// Register registers a client with the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister unregisters a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Send queues data for the client, dropping it when the buffer is full.
func (c *Client) Send(data []byte) {
	c.hub.clientsMu.RLock()
	defer c.hub.clientsMu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Buffer full
	}
}

// SendError sends an error frame to the client.
func (c *Client) SendError(code, message string) {
	data, err := protocol.Marshal(protocol.TypeError, protocol.ErrorMessage{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	c.Send(data)
}

// User returns the client's user.
func (c *Client) User() *models.User {
	return c.user
}

// Conn returns the client's WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the client's send channel.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}
