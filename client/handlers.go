package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/db"
	"github.com/MattCruikshank/sokoni/internal/models"
)

const uiCommandTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Preferences stores small UI settings. ClientDB implements it.
type Preferences interface {
	GetPreference(key string) (string, error)
	SetPreference(key, value string) error
}

// uiCommand is a frame sent by the browser UI.
type uiCommand struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	LocalID        string `json:"localId,omitempty"`
	Text           string `json:"text,omitempty"`
	Query          string `json:"query,omitempty"`
}

// uiFrame is a frame sent to the browser UI.
type uiFrame struct {
	Type           string                `json:"type"`
	ConversationID string                `json:"conversationId,omitempty"`
	Message        *models.Message       `json:"message,omitempty"`
	Messages       []models.Message      `json:"messages,omitempty"`
	Conversation   *models.Conversation  `json:"conversation,omitempty"`
	Conversations  []models.Conversation `json:"conversations,omitempty"`
	Preference     string                `json:"lastConversation,omitempty"`
	Error          string                `json:"error,omitempty"`
}

type uiConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *uiConn) write(frame uiFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// UIHandler bridges a session to a local browser UI.
type UIHandler struct {
	logger *zap.Logger
	prefs  Preferences

	sessionMu sync.RWMutex
	session   *Session

	uiClients map[*uiConn]bool
	uiMu      sync.Mutex
	broadcast chan uiFrame
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewUIHandler creates a UI bridge. prefs may be nil.
func NewUIHandler(prefs Preferences, logger *zap.Logger) *UIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &UIHandler{
		logger:    logger,
		prefs:     prefs,
		uiClients: make(map[*uiConn]bool),
		broadcast: make(chan uiFrame, 256),
		done:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.runBroadcast()
	return h
}

// SetSession attaches the session whose state the UI shows. Pass Publish as
// the session's OnEvent so its events reach the UI.
func (h *UIHandler) SetSession(s *Session) {
	h.sessionMu.Lock()
	h.session = s
	h.sessionMu.Unlock()
}

func (h *UIHandler) current() *Session {
	h.sessionMu.RLock()
	defer h.sessionMu.RUnlock()
	return h.session
}

// Publish forwards a session event to every UI socket. It never blocks.
func (h *UIHandler) Publish(ev Event) {
	frame := uiFrame{Type: string(ev.Type), ConversationID: ev.ConversationID}
	switch ev.Type {
	case EventMessageQueued, EventMessageSent, EventMessageFailed, EventMessageReceived:
		msg := ev.Message
		frame.Message = &msg
	case EventConversationUpdated:
		conv := ev.Conversation
		frame.Conversation = &conv
	case EventConversations:
		if s := h.current(); s != nil {
			frame.Conversations = s.Conversations()
		}
	}
	if ev.Err != nil {
		frame.Error = ev.Err.Error()
	}
	h.broadcastToUI(frame)
}

// Close disconnects every UI socket.
func (h *UIHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		h.uiMu.Lock()
		for c := range h.uiClients {
			c.conn.Close()
		}
		h.uiClients = make(map[*uiConn]bool)
		h.uiMu.Unlock()
	})
}

func (h *UIHandler) runBroadcast() {
	defer h.wg.Done()
	for {
		select {
		case frame := <-h.broadcast:
			h.uiMu.Lock()
			clients := make([]*uiConn, 0, len(h.uiClients))
			for c := range h.uiClients {
				clients = append(clients, c)
			}
			h.uiMu.Unlock()

			for _, c := range clients {
				if err := c.write(frame); err != nil {
					h.drop(c)
				}
			}
		case <-h.done:
			return
		}
	}
}

func (h *UIHandler) drop(c *uiConn) {
	h.uiMu.Lock()
	delete(h.uiClients, c)
	h.uiMu.Unlock()
	c.conn.Close()
}

func (h *UIHandler) broadcastToUI(frame uiFrame) {
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("UI broadcast buffer full, dropping frame", zap.String("type", frame.Type))
	}
}

// Routes registers the UI endpoints on mux. gatherer may be nil to skip
// /metrics.
func (h *UIHandler) Routes(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	mux.HandleFunc("GET /api/conversations", h.HandleConversations)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.HandleMessages)
	mux.HandleFunc("/api/preferences", h.HandlePreferences)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// HandleWebSocket handles WebSocket connections from the browser UI.
func (h *UIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("UI websocket upgrade failed", zap.Error(err))
		return
	}
	c := &uiConn{conn: conn}

	h.uiMu.Lock()
	h.uiClients[c] = true
	h.uiMu.Unlock()

	h.sendInitialState(c)
	h.handleUIMessages(c)
}

func (h *UIHandler) sendInitialState(c *uiConn) {
	frame := uiFrame{Type: string(EventConversations), Conversations: []models.Conversation{}}
	if s := h.current(); s != nil {
		frame.Conversations = s.Conversations()
	}
	if h.prefs != nil {
		if last, err := h.prefs.GetPreference(db.PrefLastConversation); err == nil {
			frame.Preference = last
		}
	}
	c.write(frame)
}

func (h *UIHandler) handleUIMessages(c *uiConn) {
	defer h.drop(c)

	for {
		var cmd uiCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("UI websocket error", zap.Error(err))
			}
			return
		}
		h.handleUIMessage(c, cmd)
	}
}

func (h *UIHandler) handleUIMessage(c *uiConn, cmd uiCommand) {
	s := h.current()
	if s == nil {
		c.write(uiFrame{Type: "error", Error: "not logged in"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), uiCommandTimeout)
	defer cancel()

	fail := func(err error) {
		c.write(uiFrame{Type: "error", ConversationID: cmd.ConversationID, Error: err.Error()})
	}

	switch cmd.Type {
	case "open_conversation":
		if err := s.OpenConversation(ctx, cmd.ConversationID); err != nil {
			fail(err)
		}
		c.write(uiFrame{Type: "messages", ConversationID: cmd.ConversationID, Messages: s.Messages(cmd.ConversationID)})
		if h.prefs != nil {
			if err := h.prefs.SetPreference(db.PrefLastConversation, cmd.ConversationID); err != nil {
				h.logger.Warn("failed to save preference", zap.Error(err))
			}
		}

	case "close_conversation":
		if err := s.CloseConversation(cmd.ConversationID); err != nil {
			fail(err)
		}

	case "send_message":
		if _, err := s.Submit(ctx, cmd.ConversationID, cmd.Text); err != nil {
			fail(err)
		}

	case "retry_message":
		if _, err := s.Resubmit(ctx, cmd.ConversationID, cmd.LocalID); err != nil {
			fail(err)
		}

	case "refresh_conversations":
		if err := s.RefreshConversations(ctx); err != nil {
			fail(err)
		}

	case "search":
		c.write(uiFrame{Type: string(EventConversations), Conversations: s.SearchConversations(cmd.Query)})

	default:
		c.write(uiFrame{Type: "error", Error: "unknown command " + cmd.Type})
	}
}

func (h *UIHandler) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// HandleConversations returns the conversation summaries, filtered by q.
func (h *UIHandler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	s := h.current()
	if s == nil {
		http.Error(w, "not logged in", http.StatusServiceUnavailable)
		return
	}
	convs := s.SearchConversations(r.URL.Query().Get("q"))
	if convs == nil {
		convs = []models.Conversation{}
	}
	h.writeJSON(w, convs)
}

// HandleMessages returns the messages of an open conversation.
func (h *UIHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	s := h.current()
	if s == nil {
		http.Error(w, "not logged in", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if !s.IsOpen(id) {
		http.Error(w, "conversation is not open", http.StatusNotFound)
		return
	}
	msgs := s.Messages(id)
	if msgs == nil {
		msgs = []models.Message{}
	}
	h.writeJSON(w, msgs)
}

// HandlePreferences handles preference operations.
func (h *UIHandler) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	if h.prefs == nil {
		http.Error(w, "preferences are not stored", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "Missing key", http.StatusBadRequest)
			return
		}
		value, err := h.prefs.GetPreference(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		h.writeJSON(w, map[string]string{"value": value})

	case http.MethodPut:
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		if err := h.prefs.SetPreference(req.Key, req.Value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
