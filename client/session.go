package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/api"
	"github.com/MattCruikshank/sokoni/internal/conversations"
	"github.com/MattCruikshank/sokoni/internal/metrics"
	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/store"
)

// Cache persists what the session has confirmed. ClientDB implements it.
type Cache interface {
	CacheConversations(convs []models.Conversation) error
	GetCachedConversations() ([]models.Conversation, error)
	CacheMessage(msg models.Message) error
}

// SessionConfig holds what a logged-in session needs.
type SessionConfig struct {
	API     *api.Client
	Dialer  *websocket.Dialer // nil uses websocket.DefaultDialer with the API cookie jar
	PushURL string
	SelfID  string // user ID of the logged-in user

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Cache   Cache

	// SyncOptions configure the conversation list synchronizer.
	SyncOptions []conversations.Option

	// OnEvent receives every session event. It must not block.
	OnEvent func(Event)
	// OnUnauthorized runs once, the first time the backend answers 401.
	OnUnauthorized func()
}

// Session is the lifetime of one login: created at login, closed at logout.
// It owns the push channel and every piece of chat state.
type Session struct {
	cfg       SessionConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
	transport *Transport
	store     *store.Store
	convs     *conversations.Synchronizer
	tracker   *Tracker

	ctx    context.Context
	cancel context.CancelFunc

	unsubscribe  func()
	unauthorized sync.Once
	closeOnce    sync.Once
	wg           sync.WaitGroup

	emitMu sync.RWMutex
	closed bool
}

// NewSession connects the push channel and returns a ready session.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("session needs an API client")
	}
	if cfg.PushURL == "" {
		return nil, errors.New("session needs a push URL")
	}
	if cfg.SelfID == "" {
		return nil, errors.New("session needs the signed-in user id")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		store:   store.New(),
		convs:   conversations.New(cfg.SyncOptions...),
		ctx:     sctx,
		cancel:  cancel,
	}
	s.transport = NewTransport(cfg.API, cfg.Dialer, cfg.PushURL,
		WithTransportLogger(logger.Named("transport")),
		WithTransportMetrics(cfg.Metrics))
	s.tracker = NewTracker(s.transport, s.store, s.convs,
		WithTrackerLogger(logger.Named("tracker")),
		WithTrackerMetrics(cfg.Metrics),
		WithEventSink(s.onTrackerEvent))

	s.unsubscribe = s.transport.OnIncoming(s.handleIncoming)
	if err := s.transport.Connect(ctx); err != nil {
		s.checkUnauthorized(err)
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.watchPush()
	return s, nil
}

// Close ends the session: the push channel is closed and in-flight sends
// are abandoned and awaited.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.emitMu.Lock()
		s.closed = true
		s.emitMu.Unlock()

		s.unsubscribe()
		s.cancel()
		err = s.transport.Close()
		s.tracker.Wait()
		s.wg.Wait()
	})
	return err
}

// SelfID returns the logged-in user ID.
func (s *Session) SelfID() string {
	return s.cfg.SelfID
}

// Transport exposes the push channel, mainly for inspection.
func (s *Session) Transport() *Transport {
	return s.transport
}

// RefreshConversations fetches the conversation list. On failure the cached
// list, if any, is loaded and the fetch error is still returned.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.cfg.API.ListConversations(ctx)
	if err != nil {
		s.checkUnauthorized(err)
		if s.cfg.Cache != nil {
			if cached, cacheErr := s.cfg.Cache.GetCachedConversations(); cacheErr == nil && len(cached) > 0 {
				s.convs.Load(cached)
				s.emit(Event{Type: EventConversations})
			}
		}
		return fmt.Errorf("failed to fetch conversations: %w", err)
	}

	s.convs.Load(list)
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.CacheConversations(s.convs.List()); err != nil {
			s.logger.Warn("failed to cache conversations", zap.Error(err))
		}
	}
	s.emit(Event{Type: EventConversations})
	return nil
}

// Conversations returns the conversation summaries.
func (s *Session) Conversations() []models.Conversation {
	return s.convs.List()
}

// SearchConversations filters summaries by counterparty or product name.
func (s *Session) SearchConversations(query string) []models.Conversation {
	return s.convs.Search(query)
}

// Conversation returns one summary.
func (s *Session) Conversation(id string) (models.Conversation, bool) {
	return s.convs.Get(id)
}

// OpenConversation mounts a conversation view: joins its push room and loads
// its history. The view stays mounted when the history fetch fails.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	s.store.Open(conversationID)
	if err := s.transport.JoinConversation(conversationID); err != nil {
		return fmt.Errorf("failed to join conversation %s: %w", conversationID, err)
	}

	history, err := s.cfg.API.ListMessages(ctx, conversationID)
	if err != nil {
		s.checkUnauthorized(err)
		return fmt.Errorf("failed to fetch messages for %s: %w", conversationID, err)
	}

	msgs := make([]models.Message, 0, len(history))
	for _, sm := range history {
		if sm.ConversationID == "" {
			sm.ConversationID = conversationID
		}
		msgs = append(msgs, sm.AsMessage(s.cfg.SelfID))
	}
	if err := s.store.Load(conversationID, msgs); err != nil {
		// closed while the fetch was in flight
		return nil
	}

	s.convs.MarkRead(conversationID)
	if conv, ok := s.convs.Get(conversationID); ok {
		s.emit(Event{Type: EventConversationUpdated, ConversationID: conversationID, Conversation: conv})
	}
	return nil
}

// CloseConversation unmounts a view. Sends still in flight for it complete
// on the backend but their results are no longer applied to the view.
func (s *Session) CloseConversation(conversationID string) error {
	s.store.Close(conversationID)
	return s.transport.LeaveConversation(conversationID)
}

// IsOpen reports whether a conversation view is mounted.
func (s *Session) IsOpen(conversationID string) bool {
	return s.store.IsOpen(conversationID)
}

// Messages returns the ordered messages of an open conversation.
func (s *Session) Messages(conversationID string) []models.Message {
	return s.store.All(conversationID)
}

// Submit sends a message optimistically. The send is bound to the session,
// not to ctx, so it survives the caller returning; ctx is only checked
// before the message is queued.
func (s *Session) Submit(ctx context.Context, conversationID, text string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.tracker.Submit(s.ctx, conversationID, text)
}

// Resubmit sends the text of a failed message again as a new message.
func (s *Session) Resubmit(ctx context.Context, conversationID, localID string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.tracker.Resubmit(s.ctx, conversationID, localID)
}

func (s *Session) handleIncoming(sm models.ServerMessage) {
	msg := sm.AsMessage(s.cfg.SelfID)
	open := s.store.IsOpen(sm.ConversationID)

	if open {
		appended, err := s.store.AppendServer(msg)
		if err != nil && !errors.Is(err, store.ErrNotOpen) {
			s.logger.Warn("failed to apply pushed message",
				zap.String("conversation_id", sm.ConversationID), zap.Error(err))
		}
		if appended {
			s.emit(Event{Type: EventMessageReceived, ConversationID: sm.ConversationID, Message: msg})
		}
	}

	at := sm.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	if !s.convs.ApplyMessageEvent(sm.ConversationID, sm.Text, at) {
		s.metrics.ObservePush(metrics.PushHeld)
		s.logger.Debug("push for unknown conversation held",
			zap.String("conversation_id", sm.ConversationID))
		return
	}
	s.metrics.ObservePush(metrics.PushApplied)

	if !open && !msg.SenderIsSelf {
		s.convs.MarkUnread(sm.ConversationID)
	}
	if conv, ok := s.convs.Get(sm.ConversationID); ok {
		s.emit(Event{Type: EventConversationUpdated, ConversationID: sm.ConversationID, Conversation: conv})
	}

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.CacheMessage(msg); err != nil {
			s.logger.Warn("failed to cache message", zap.Error(err))
		}
	}
}

func (s *Session) onTrackerEvent(ev Event) {
	if ev.Err != nil {
		s.checkUnauthorized(ev.Err)
	}
	s.emit(ev)

	if ev.Type != EventMessageSent {
		return
	}
	if conv, ok := s.convs.Get(ev.ConversationID); ok {
		s.emit(Event{Type: EventConversationUpdated, ConversationID: ev.ConversationID, Conversation: conv})
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.CacheMessage(ev.Message); err != nil {
			s.logger.Warn("failed to cache message", zap.Error(err))
		}
	}
}

func (s *Session) watchPush() {
	defer s.wg.Done()
	select {
	case <-s.transport.Done():
		select {
		case <-s.ctx.Done():
		default:
			s.logger.Warn("push channel closed; live delivery stopped")
			s.emit(Event{Type: EventPushLost})
		}
	case <-s.ctx.Done():
	}
}

func (s *Session) checkUnauthorized(err error) {
	if !errors.Is(err, api.ErrUnauthorized) || s.cfg.OnUnauthorized == nil {
		return
	}
	s.unauthorized.Do(s.cfg.OnUnauthorized)
}

func (s *Session) emit(ev Event) {
	if s.cfg.OnEvent == nil {
		return
	}
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	s.cfg.OnEvent(ev)
}
