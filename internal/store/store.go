// Package store holds the ordered messages of every open conversation view.
//
// A conversation's sequence is append-only in insertion order. The only
// in-place mutations are the optimistic to confirmed replacement and the
// Sending to Failed transition, both addressed by local ID.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/MattCruikshank/sokoni/internal/models"
)

var (
	ErrNotOpen           = errors.New("conversation is not open")
	ErrNotFound          = errors.New("message not found")
	ErrDuplicate         = errors.New("message already present")
	ErrInvalidTransition = errors.New("message is not sending")
	ErrNoIdentity        = errors.New("message has no local or server ID")
)

// Patch carries the server-confirmed fields applied by Replace.
type Patch struct {
	ServerID  string
	SenderID  string
	CreatedAt time.Time
}

type thread struct {
	messages []models.Message
	byKey    map[string]int // Message.Key() -> index
	byLocal  map[string]int // LocalID -> index, kept after confirmation
}

func newThread() *thread {
	return &thread{
		byKey:   make(map[string]int),
		byLocal: make(map[string]int),
	}
}

func (t *thread) reindex() {
	t.byKey = make(map[string]int, len(t.messages))
	t.byLocal = make(map[string]int, len(t.messages))
	for i, m := range t.messages {
		t.byKey[m.Key()] = i
		if m.LocalID != "" {
			t.byLocal[m.LocalID] = i
		}
	}
}

func (t *thread) push(m models.Message) {
	t.messages = append(t.messages, m)
	i := len(t.messages) - 1
	t.byKey[m.Key()] = i
	if m.LocalID != "" {
		t.byLocal[m.LocalID] = i
	}
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread // conversationID -> open view
	owner   map[string]string  // LocalID -> conversationID
}

// New creates an empty store.
func New() *Store {
	return &Store{
		threads: make(map[string]*thread),
		owner:   make(map[string]string),
	}
}

// Open mounts a conversation view. Opening an open view is a no-op.
func (s *Store) Open(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[conversationID]; !ok {
		s.threads[conversationID] = newThread()
	}
}

// Close unmounts a conversation view and destroys its messages.
func (s *Store) Close(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[conversationID]
	if !ok {
		return
	}
	for localID := range t.byLocal {
		delete(s.owner, localID)
	}
	delete(s.threads, conversationID)
}

// IsOpen reports whether a conversation view is mounted.
func (s *Store) IsOpen(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.threads[conversationID]
	return ok
}

// Append adds a message at the end of its conversation.
func (s *Store) Append(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[msg.ConversationID]
	if !ok {
		return ErrNotOpen
	}
	if msg.Key() == "" {
		return ErrNoIdentity
	}
	if _, dup := t.byKey[msg.Key()]; dup {
		return ErrDuplicate
	}
	if msg.LocalID != "" {
		if _, dup := s.owner[msg.LocalID]; dup {
			return ErrDuplicate
		}
		s.owner[msg.LocalID] = msg.ConversationID
	}
	t.push(msg)
	return nil
}

// AppendServer appends a confirmed message unless a message with the same
// server ID is already present. It reports whether the message was appended.
func (s *Store) AppendServer(msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[msg.ConversationID]
	if !ok {
		return false, ErrNotOpen
	}
	if msg.ServerID == "" {
		return false, ErrNoIdentity
	}
	if _, dup := t.byKey[msg.ServerID]; dup {
		return false, nil
	}
	t.push(msg)
	return true, nil
}

// Load installs fetched history at the front of a conversation. Messages
// appended before the history arrived stay after it in their original order,
// and history entries already present are skipped.
func (s *Store) Load(conversationID string, history []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return ErrNotOpen
	}

	merged := make([]models.Message, 0, len(history)+len(t.messages))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		if m.ServerID == "" || seen[m.ServerID] {
			continue
		}
		if _, present := t.byKey[m.ServerID]; present {
			continue
		}
		seen[m.ServerID] = true
		merged = append(merged, m)
	}
	merged = append(merged, t.messages...)
	t.messages = merged
	t.reindex()
	return nil
}

// Replace confirms an optimistic message in place: it takes the server ID
// and canonical timestamp and becomes Sent. Its position never changes. If
// another entry already carries the same server ID, that entry is dropped so
// the conversation holds the message once, at the optimistic position.
func (s *Store) Replace(localID string, patch Patch) (models.Message, error) {
	if patch.ServerID == "" {
		return models.Message{}, ErrNoIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, i, err := s.locate(localID)
	if err != nil {
		return models.Message{}, err
	}
	msg := t.messages[i]
	if msg.Status != models.StatusSending {
		return msg, ErrInvalidTransition
	}

	delete(t.byKey, msg.Key())
	msg.ServerID = patch.ServerID
	if patch.SenderID != "" {
		msg.SenderID = patch.SenderID
	}
	if !patch.CreatedAt.IsZero() {
		msg.CreatedAt = patch.CreatedAt
	}
	msg.Status = models.StatusSent
	t.messages[i] = msg

	if j, dup := t.byKey[msg.ServerID]; dup && j != i {
		t.messages = append(t.messages[:j], t.messages[j+1:]...)
		t.reindex()
	} else {
		t.byKey[msg.Key()] = i
	}
	return msg, nil
}

// MarkFailed moves a sending message to Failed. The message is kept.
func (s *Store) MarkFailed(localID string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, i, err := s.locate(localID)
	if err != nil {
		return models.Message{}, err
	}
	if t.messages[i].Status != models.StatusSending {
		return t.messages[i], ErrInvalidTransition
	}
	t.messages[i].Status = models.StatusFailed
	return t.messages[i], nil
}

// Get looks a message up by its key (server ID once confirmed, else local ID)
// or by its original local ID.
func (s *Store) Get(conversationID, key string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return models.Message{}, false
	}
	if i, ok := t.byKey[key]; ok {
		return t.messages[i], true
	}
	if i, ok := t.byLocal[key]; ok {
		return t.messages[i], true
	}
	return models.Message{}, false
}

// All returns a copy of a conversation's messages in display order.
func (s *Store) All(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// locate must be called with s.mu held.
func (s *Store) locate(localID string) (*thread, int, error) {
	cid, ok := s.owner[localID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	t, ok := s.threads[cid]
	if !ok {
		return nil, 0, ErrNotFound
	}
	i, ok := t.byLocal[localID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return t, i, nil
}
