// Package server is a development implementation of the marketplace chat
// backend: REST endpoints for conversations and messages plus the push socket.
package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/auth"
	"github.com/MattCruikshank/sokoni/internal/db"
	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/protocol"
)

const (
	defaultHistoryLimit = 100
	maxTextLength       = 4000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the backend's dependencies.
type Server struct {
	hub    *Hub
	db     *db.ServerDB
	auth   auth.Authenticator
	logger *zap.Logger
}

// NewServer creates a new server instance.
func NewServer(hub *Hub, database *db.ServerDB, authenticator auth.Authenticator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:    hub,
		db:     database,
		auth:   authenticator,
		logger: logger,
	}
}

// Routes registers the chat API on r. Every route requires an identity.
func (s *Server) Routes(r *mux.Router) {
	api := r.NewRoute().Subrouter()
	api.Use(func(next http.Handler) http.Handler { return auth.Middleware(s.auth, next) })

	api.HandleFunc("/conversations", s.HandleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.HandleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/messages", s.HandleCreateMessage).Methods(http.MethodPost)
	api.HandleFunc("/ws", s.HandleWebSocket).Methods(http.MethodGet)
}

// Handler returns a router serving the chat API and, when admin is not nil,
// the admin API.
func (s *Server) Handler(admin *AdminHandler) http.Handler {
	r := mux.NewRouter()
	if admin != nil {
		admin.Routes(r.PathPrefix("/admin").Subrouter())
	}
	s.Routes(r)
	return r
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Response{Success: true, Data: raw})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Response{Success: false, Message: message})
}

// participantConversation loads a conversation the caller takes part in, or
// writes the failure response and returns nil.
func (s *Server) participantConversation(w http.ResponseWriter, user *models.User, id string) *db.ConversationRecord {
	conv, err := s.db.GetConversation(id)
	if err != nil {
		s.logger.Error("failed to get conversation", zap.String("conversation_id", id), zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, "failed to load conversation")
		return nil
	}
	if conv == nil {
		writeFailure(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	if !conv.HasParticipant(user.ID) {
		writeFailure(w, http.StatusForbidden, "access denied")
		return nil
	}
	return conv
}

// HandleListConversations serves GET /conversations.
func (s *Server) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	convs, err := s.db.ListConversationsForUser(user.ID)
	if err != nil {
		s.logger.Error("failed to list conversations", zap.String("user_id", user.ID), zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeData(w, http.StatusOK, convs)
}

// HandleListMessages serves GET /conversations/{id}/messages. Optional query
// parameters: limit, and before as an RFC 3339 timestamp.
func (s *Server) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]
	if s.participantConversation(w, user, id) == nil {
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeFailure(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}
	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = &t
	}

	msgs, err := s.db.GetMessages(id, limit, before)
	if err != nil {
		s.logger.Error("failed to get messages", zap.String("conversation_id", id), zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	writeData(w, http.StatusOK, msgs)
}

// HandleCreateMessage serves POST /messages. The stored message is returned
// and pushed to every socket that joined the conversation.
func (s *Server) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req protocol.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.ConversationID == "" || req.Text == "" {
		writeFailure(w, http.StatusBadRequest, "conversationId and text are required")
		return
	}
	if len(req.Text) > maxTextLength {
		writeFailure(w, http.StatusBadRequest, "text is too long")
		return
	}

	msg, err := s.db.CreateMessage(req.ConversationID, user.ID, req.Text)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		writeFailure(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, db.ErrNotParticipant):
		writeFailure(w, http.StatusForbidden, "access denied")
		return
	case err != nil:
		s.logger.Error("failed to create message", zap.Error(err))
		writeFailure(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	s.hub.Broadcast(msg)
	writeData(w, http.StatusCreated, msg)
}

// HandleWebSocket upgrades the push socket.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := s.hub.NewClient(conn, user)
	s.hub.Register(client)

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.Unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(65536)
	client.Conn().SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", zap.Error(err))
			}
			break
		}

		s.handleMessage(client, message)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(client *Client, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		client.SendError(protocol.ErrCodeInvalidMsg, "Invalid message format")
		return
	}

	switch env.Type {
	case protocol.TypeJoinConversation:
		var msg protocol.JoinConversationMessage
		if err := env.Decode(&msg); err != nil {
			client.SendError(protocol.ErrCodeInvalidMsg, "Invalid joinConversation")
			return
		}
		s.handleJoin(client, &msg)

	case protocol.TypeLeaveConversation:
		var msg protocol.LeaveConversationMessage
		if err := env.Decode(&msg); err != nil {
			client.SendError(protocol.ErrCodeInvalidMsg, "Invalid leaveConversation")
			return
		}
		s.hub.Leave(client, msg.ConversationID)
		s.logger.Debug("left conversation",
			zap.String("user_id", client.User().ID),
			zap.String("conversation_id", msg.ConversationID))

	default:
		client.SendError(protocol.ErrCodeInvalidMsg, "Unknown message type")
	}
}

func (s *Server) handleJoin(client *Client, msg *protocol.JoinConversationMessage) {
	conv, err := s.db.GetConversation(msg.ConversationID)
	if err != nil || conv == nil {
		client.SendError(protocol.ErrCodeNotFound, "Conversation not found")
		return
	}
	if !conv.HasParticipant(client.User().ID) {
		client.SendError(protocol.ErrCodeForbidden, "Access denied")
		return
	}

	s.hub.Join(client, msg.ConversationID)
	s.logger.Debug("joined conversation",
		zap.String("user_id", client.User().ID),
		zap.String("conversation_id", msg.ConversationID))
}
