package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MattCruikshank/sokoni/internal/conversations"
	"github.com/MattCruikshank/sokoni/internal/metrics"
	"github.com/MattCruikshank/sokoni/internal/models"
	"github.com/MattCruikshank/sokoni/internal/store"
)

var (
	ErrEmptyText           = errors.New("message text is empty")
	ErrConversationNotOpen = errors.New("conversation is not open")
	ErrNotFailed           = errors.New("message has not failed")
)

// Sender delivers one message to the backend and returns its record.
type Sender interface {
	Send(ctx context.Context, conversationID, text string) (models.ServerMessage, error)
}

// Receipt resolves once a submitted message reaches Sent or Failed, or once
// its conversation view is closed before that.
type Receipt struct {
	LocalID string

	done chan struct{}
	msg  models.Message
	err  error
}

func newReceipt(localID string) *Receipt {
	return &Receipt{LocalID: localID, done: make(chan struct{})}
}

func (r *Receipt) resolve(msg models.Message, err error) {
	r.msg = msg
	r.err = err
	close(r.done)
}

// Done is closed when the receipt resolves.
func (r *Receipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receipt resolves and returns the terminal message.
// The error is the send failure for Failed messages, store.ErrNotFound when
// the view was closed first, or ctx.Err().
func (r *Receipt) Wait(ctx context.Context) (models.Message, error) {
	select {
	case <-r.done:
		return r.msg, r.err
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}

// Tracker owns the send lifecycle of outgoing messages:
// Sending -> Sent or Sending -> Failed, nothing else.
type Tracker struct {
	sender  Sender
	store   *store.Store
	convs   *conversations.Synchronizer
	logger  *zap.Logger
	metrics *metrics.Metrics
	emit    func(Event)
	newID   func() string
	now     func() time.Time

	wg sync.WaitGroup
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithTrackerMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// WithEventSink receives every status change. It is called from the
// submitting goroutine for EventMessageQueued and from the delivery
// goroutine otherwise.
func WithEventSink(sink func(Event)) TrackerOption {
	return func(t *Tracker) {
		if sink != nil {
			t.emit = sink
		}
	}
}

// WithIDGenerator replaces the local ID generator.
func WithIDGenerator(gen func() string) TrackerOption {
	return func(t *Tracker) { t.newID = gen }
}

// WithClock replaces the clock used for optimistic timestamps.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker writing to st and convs.
func NewTracker(sender Sender, st *store.Store, convs *conversations.Synchronizer, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		sender: sender,
		store:  st,
		convs:  convs,
		logger: zap.NewNop(),
		emit:   func(Event) {},
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit inserts the message optimistically as Sending, before any network
// I/O, then delivers it in the background. ctx bounds the network call.
func (t *Tracker) Submit(ctx context.Context, conversationID, text string) (*Receipt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	start := time.Now()
	msg := models.Message{
		LocalID:        t.newID(),
		ConversationID: conversationID,
		SenderIsSelf:   true,
		Text:           text,
		CreatedAt:      t.now(),
		Status:         models.StatusSending,
	}
	if err := t.store.Append(msg); err != nil {
		if errors.Is(err, store.ErrNotOpen) {
			return nil, ErrConversationNotOpen
		}
		return nil, err
	}

	t.metrics.ObserveSubmit()
	t.emit(Event{Type: EventMessageQueued, ConversationID: conversationID, Message: msg})

	receipt := newReceipt(msg.LocalID)
	t.wg.Add(1)
	go t.deliver(ctx, msg, receipt, start)
	return receipt, nil
}

// Resubmit sends the text of a failed message again as a fresh message.
// The failed entry is left as it is.
func (t *Tracker) Resubmit(ctx context.Context, conversationID, localID string) (*Receipt, error) {
	failed, ok := t.store.Get(conversationID, localID)
	if !ok {
		if !t.store.IsOpen(conversationID) {
			return nil, ErrConversationNotOpen
		}
		return nil, store.ErrNotFound
	}
	if failed.Status != models.StatusFailed {
		return nil, ErrNotFailed
	}
	return t.Submit(ctx, conversationID, failed.Text)
}

// Wait blocks until every in-flight delivery has finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// deliver runs the send. start is when the optimistic entry was inserted.
func (t *Tracker) deliver(ctx context.Context, msg models.Message, receipt *Receipt, start time.Time) {
	defer t.wg.Done()

	sm, err := t.sender.Send(ctx, msg.ConversationID, msg.Text)
	if err == nil && sm.ServerID == "" {
		err = errors.New("backend returned a message without an ID")
	}

	if err != nil {
		failed, markErr := t.store.MarkFailed(msg.LocalID)
		t.metrics.ObserveOutcome(models.StatusFailed, time.Since(start).Seconds())
		if markErr != nil {
			t.discard(msg, receipt, markErr)
			return
		}
		t.logger.Warn("message delivery failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("local_id", msg.LocalID),
			zap.Error(err))
		t.emit(Event{Type: EventMessageFailed, ConversationID: msg.ConversationID, Message: failed, Err: err})
		receipt.resolve(failed, err)
		return
	}

	t.metrics.ObserveOutcome(models.StatusSent, time.Since(start).Seconds())

	// The message exists on the backend whether or not the view is still
	// mounted, so the summary is updated either way.
	createdAt := sm.CreatedAt
	if createdAt.IsZero() {
		createdAt = msg.CreatedAt
	}
	text := sm.Text
	if text == "" {
		text = msg.Text
	}
	t.convs.ApplyMessageEvent(msg.ConversationID, text, createdAt)

	sent, replaceErr := t.store.Replace(msg.LocalID, store.Patch{
		ServerID:  sm.ServerID,
		SenderID:  sm.SenderID,
		CreatedAt: sm.CreatedAt,
	})
	if replaceErr != nil {
		t.discard(msg, receipt, replaceErr)
		return
	}
	t.logger.Debug("message delivered",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("local_id", msg.LocalID),
		zap.String("server_id", sm.ServerID))
	t.emit(Event{Type: EventMessageSent, ConversationID: msg.ConversationID, Message: sent})
	receipt.resolve(sent, nil)
}

// discard drops the result of a delivery whose view was closed.
func (t *Tracker) discard(msg models.Message, receipt *Receipt, err error) {
	t.logger.Debug("discarding delivery result",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("local_id", msg.LocalID),
		zap.Error(err))
	receipt.resolve(msg, err)
}
