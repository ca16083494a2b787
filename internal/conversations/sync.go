// Package conversations keeps the conversation summary list consistent with
// local sends and inbound pushes, whichever conversation is open.
package conversations

import (
	"strings"
	"sync"
	"time"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// DefaultPendingLimit bounds the events held for conversations not yet fetched.
const DefaultPendingLimit = 64

type pendingEvent struct {
	conversationID string
	text           string
	at             time.Time
}

// Synchronizer owns the conversation summaries. Records are updated in place
// and never recreated. It is safe for concurrent use.
type Synchronizer struct {
	mu      sync.RWMutex
	order   []string
	byID    map[string]*models.Conversation
	pending []pendingEvent
	limit   int
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithPendingLimit sets how many unmatched events are held for replay.
// Zero disables holding: unmatched events are dropped immediately.
func WithPendingLimit(n int) Option {
	return func(s *Synchronizer) {
		if n >= 0 {
			s.limit = n
		}
	}
}

// New creates an empty synchronizer.
func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{
		byID:  make(map[string]*models.Conversation),
		limit: DefaultPendingLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load installs a freshly fetched list. Known records are updated in place
// and keep their unread count; records missing from the list are removed.
// Held events for conversations now present are applied.
func (s *Synchronizer) Load(list []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]string, 0, len(list))
	byID := make(map[string]*models.Conversation, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if _, dup := byID[c.ID]; dup {
			continue
		}
		rec, ok := s.byID[c.ID]
		if ok {
			unread := rec.Unread
			last, lastAt := rec.LastMessage, rec.LastMessageAt
			*rec = c
			rec.Unread = unread
			if lastAt.After(c.LastMessageAt) {
				rec.LastMessage, rec.LastMessageAt = last, lastAt
			}
		} else {
			copied := c
			rec = &copied
		}
		byID[c.ID] = rec
		order = append(order, c.ID)
	}
	s.order = order
	s.byID = byID

	held := s.pending
	s.pending = nil
	for _, ev := range held {
		if !s.applyLocked(ev.conversationID, ev.text, ev.at) {
			s.holdLocked(ev)
		}
	}
}

// ApplyMessageEvent records a message as the latest in its conversation.
// Events older than the current summary leave it unchanged. An event for a
// conversation that is not known locally is held for the next Load (or
// dropped past the pending limit) and false is returned.
func (s *Synchronizer) ApplyMessageEvent(conversationID, text string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyLocked(conversationID, text, at) {
		return true
	}
	s.holdLocked(pendingEvent{conversationID: conversationID, text: text, at: at})
	return false
}

func (s *Synchronizer) applyLocked(conversationID, text string, at time.Time) bool {
	rec, ok := s.byID[conversationID]
	if !ok {
		return false
	}
	if at.Before(rec.LastMessageAt) {
		return true
	}
	rec.LastMessage = text
	rec.LastMessageAt = at
	return true
}

func (s *Synchronizer) holdLocked(ev pendingEvent) {
	if s.limit == 0 {
		return
	}
	if len(s.pending) >= s.limit {
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, ev)
}

// MarkUnread increments the unread badge of a conversation.
func (s *Synchronizer) MarkUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[conversationID]; ok {
		rec.Unread++
	}
}

// MarkRead clears the unread badge of a conversation.
func (s *Synchronizer) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byID[conversationID]; ok {
		rec.Unread = 0
	}
}

// Get returns a copy of one conversation summary.
func (s *Synchronizer) Get(conversationID string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return *rec, true
}

// List returns copies of all summaries in fetch order.
func (s *Synchronizer) List() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byID[id])
	}
	return out
}

// Search filters summaries by counterparty or product name, case-insensitively.
// An empty query returns everything.
func (s *Synchronizer) Search(query string) []models.Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	all := s.List()
	if q == "" {
		return all
	}
	out := all[:0]
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.CounterpartyName), q) ||
			strings.Contains(strings.ToLower(c.ProductName), q) {
			out = append(out, c)
		}
	}
	return out
}

// Pending returns how many unmatched events are currently held.
func (s *Synchronizer) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}
