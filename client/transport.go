package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/api"
	"github.com/MattCruikshank/sokoni/internal/metrics"
	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/protocol"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 65536
	sendBuffer   = 256
)

var (
	ErrNotConnected = errors.New("push channel is not connected")
	ErrClosed       = errors.New("transport is closed")
)

// IncomingHandler receives messages pushed for joined conversations.
type IncomingHandler func(msg models.ServerMessage)

// Transport hides whether delivery happens over request/response or push.
// Sends go through the REST API; inbound messages arrive over one websocket
// shared by every joined conversation.
type Transport struct {
	api     *api.Client
	dialer  *websocket.Dialer
	pushURL string
	logger  *zap.Logger
	metrics *metrics.Metrics

	connMu    sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	joined   map[string]bool
	joinedMu sync.Mutex

	handlers    map[int]IncomingHandler
	nextHandler int
	handlersMu  sync.RWMutex
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTransportMetrics sets the collectors.
func WithTransportMetrics(m *metrics.Metrics) TransportOption {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport creates a transport. The dialer's Jar should carry the same
// session credential as the API client; when it is nil the API client's jar
// is used.
func NewTransport(client *api.Client, dialer *websocket.Dialer, pushURL string, opts ...TransportOption) *Transport {
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	if dialer.Jar == nil {
		dialer.Jar = client.Jar()
	}
	t := &Transport{
		api:      client,
		dialer:   dialer,
		pushURL:  pushURL,
		logger:   zap.NewNop(),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		joined:   make(map[string]bool),
		handlers: make(map[int]IncomingHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect opens the push channel. It is opened once per transport; calling
// Connect again while connected does nothing.
func (t *Transport) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if t.conn != nil {
		return nil
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.pushURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("failed to connect to %s: %w", t.pushURL, api.ErrUnauthorized)
			}
		}
		return fmt.Errorf("failed to connect to %s: %w", t.pushURL, err)
	}
	t.conn = conn

	t.wg.Add(2)
	go t.writePump(conn)
	go t.readPump(conn)

	t.logger.Info("push channel connected", zap.String("url", t.pushURL))
	return nil
}

// Close tears the push channel down and waits for its goroutines.
func (t *Transport) Close() error {
	t.shutdown()
	t.wg.Wait()
	return nil
}

// Done is closed once the push channel is gone, whether closed locally or
// lost.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()
	})
}

// Send posts a message through the REST API.
func (t *Transport) Send(ctx context.Context, conversationID, text string) (models.ServerMessage, error) {
	return t.api.CreateMessage(ctx, conversationID, text)
}

// OnIncoming registers a handler for pushed messages. Handlers run on the
// push channel's read goroutine, one message at a time. The returned func
// removes the handler.
func (t *Transport) OnIncoming(handler IncomingHandler) (cancel func()) {
	t.handlersMu.Lock()
	id := t.nextHandler
	t.nextHandler++
	t.handlers[id] = handler
	t.handlersMu.Unlock()

	return func() {
		t.handlersMu.Lock()
		delete(t.handlers, id)
		t.handlersMu.Unlock()
	}
}

// JoinConversation asks the backend to push messages for a conversation.
// Joining an already joined conversation sends nothing, so a conversation
// has at most one active subscription per session.
func (t *Transport) JoinConversation(conversationID string) error {
	t.joinedMu.Lock()
	defer t.joinedMu.Unlock()

	if t.joined[conversationID] {
		t.metrics.ObserveDuplicateJoin()
		return nil
	}

	data, err := protocol.Marshal(protocol.TypeJoinConversation, protocol.JoinConversationMessage{
		ConversationID: conversationID,
	})
	if err != nil {
		return err
	}
	if err := t.enqueue(data); err != nil {
		return err
	}
	t.joined[conversationID] = true
	t.logger.Debug("joined conversation", zap.String("conversation_id", conversationID))
	return nil
}

// LeaveConversation stops pushes for a conversation.
func (t *Transport) LeaveConversation(conversationID string) error {
	t.joinedMu.Lock()
	defer t.joinedMu.Unlock()

	if !t.joined[conversationID] {
		return nil
	}

	data, err := protocol.Marshal(protocol.TypeLeaveConversation, protocol.LeaveConversationMessage{
		ConversationID: conversationID,
	})
	if err != nil {
		return err
	}
	delete(t.joined, conversationID)
	if err := t.enqueue(data); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

// Joined returns the joined conversation IDs, sorted.
func (t *Transport) Joined() []string {
	t.joinedMu.Lock()
	defer t.joinedMu.Unlock()
	ids := make([]string, 0, len(t.joined))
	for id := range t.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Transport) isJoined(conversationID string) bool {
	t.joinedMu.Lock()
	defer t.joinedMu.Unlock()
	return t.joined[conversationID]
}

func (t *Transport) enqueue(data []byte) error {
	t.connMu.Lock()
	connected := t.conn != nil
	t.connMu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

func (t *Transport) readPump(conn *websocket.Conn) {
	defer func() {
		t.shutdown()
		t.wg.Done()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					t.logger.Warn("push channel lost", zap.Error(err))
				}
			}
			return
		}
		t.handleFrame(data)
	}
}

func (t *Transport) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		t.wg.Done()
	}()

	for {
		select {
		case data := <-t.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn("failed to write push frame", zap.Error(err))
				t.shutdown()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.shutdown()
				return
			}

		case <-t.done:
			return
		}
	}
}

func (t *Transport) handleFrame(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		t.logger.Warn("failed to parse push frame", zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeNewMessage:
		var msg protocol.NewMessageEvent
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("failed to parse newMessage", zap.Error(err))
			return
		}
		if !t.isJoined(msg.ConversationID) {
			t.metrics.ObservePush(metrics.PushIgnored)
			t.logger.Debug("ignoring push for conversation not joined",
				zap.String("conversation_id", msg.ConversationID))
			return
		}
		t.dispatch(msg)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := env.Decode(&msg); err != nil {
			t.logger.Warn("failed to parse error frame", zap.Error(err))
			return
		}
		t.logger.Warn("backend push error", zap.String("code", msg.Code), zap.String("message", msg.Message))

	default:
		t.logger.Debug("ignoring push frame", zap.String("type", string(env.Type)))
	}
}

func (t *Transport) dispatch(msg models.ServerMessage) {
	t.handlersMu.RLock()
	ids := make([]int, 0, len(t.handlers))
	for id := range t.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]IncomingHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, t.handlers[id])
	}
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
