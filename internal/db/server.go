package db

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// ErrNotParticipant is returned when a user acts on a conversation they are
// not part of.
var ErrNotParticipant = errors.New("user is not a participant of the conversation")

// ConversationRecord is a conversation as stored by the development backend.
type ConversationRecord struct {
	ID          string    `json:"id"`
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId"`
	ProductID   string    `json:"productId"`
	ProductName string    `json:"productName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c *ConversationRecord) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Counterparty returns the other participant.
func (c *ConversationRecord) Counterparty(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

// ServerDB handles development backend storage.
type ServerDB struct {
	db *sql.DB
}

// NewServerDB opens or creates the backend database.
func NewServerDB(path string) (*ServerDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sdb := &ServerDB{db: db}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return sdb, nil
}

// Close closes the database connection.
func (s *ServerDB) Close() error {
	return s.db.Close()
}

func (s *ServerDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			login_name TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			profile_pic TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			buyer_id TEXT NOT NULL REFERENCES users(id),
			seller_id TEXT NOT NULL REFERENCES users(id),
			product_id TEXT NOT NULL,
			product_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			UNIQUE (buyer_id, seller_id, product_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_buyer ON conversations(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_seller ON conversations(seller_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertUser creates a user or refreshes its profile.
func (s *ServerDB) UpsertUser(u *models.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	_, err := s.db.Exec(`
		INSERT INTO users (id, login_name, display_name, profile_pic)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login_name = excluded.login_name,
			display_name = excluded.display_name,
			profile_pic = excluded.profile_pic
	`, u.ID, u.LoginName, u.DisplayName, u.ProfilePic)
	return err
}

// GetUser returns a user by ID, or nil when there is none.
func (s *ServerDB) GetUser(id string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(`SELECT id, login_name, display_name, profile_pic FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.LoginName, &u.DisplayName, &u.ProfilePic)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUsers returns all users ordered by display name.
func (s *ServerDB) GetUsers() ([]models.User, error) {
	rows, err := s.db.Query(`SELECT id, login_name, display_name, profile_pic FROM users ORDER BY display_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.LoginName, &u.DisplayName, &u.ProfilePic); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateConversation finds or creates the conversation between a buyer and a
// seller about one product.
func (s *ServerDB) CreateConversation(buyerID, sellerID, productID, productName string) (*ConversationRecord, error) {
	if buyerID == "" || sellerID == "" || productID == "" {
		return nil, errors.New("buyer, seller and product are required")
	}
	if buyerID == sellerID {
		return nil, errors.New("buyer and seller must differ")
	}

	existing, err := s.findConversation(buyerID, sellerID, productID)
	if err != nil || existing != nil {
		return existing, err
	}

	c := &ConversationRecord{
		ID:          uuid.New().String(),
		BuyerID:     buyerID,
		SellerID:    sellerID,
		ProductID:   productID,
		ProductName: productName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO conversations (id, buyer_id, seller_id, product_id, product_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.BuyerID, c.SellerID, c.ProductID, c.ProductName, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

func (s *ServerDB) findConversation(buyerID, sellerID, productID string) (*ConversationRecord, error) {
	var c ConversationRecord
	err := s.db.QueryRow(`
		SELECT id, buyer_id, seller_id, product_id, product_name, created_at
		FROM conversations WHERE buyer_id = ? AND seller_id = ? AND product_id = ?
	`, buyerID, sellerID, productID).Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.ProductName, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversation returns a conversation by ID, or nil when there is none.
func (s *ServerDB) GetConversation(id string) (*ConversationRecord, error) {
	var c ConversationRecord
	err := s.db.QueryRow(`
		SELECT id, buyer_id, seller_id, product_id, product_name, created_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.ProductName, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversations returns every stored conversation, oldest first.
func (s *ServerDB) GetConversations() ([]ConversationRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, buyer_id, seller_id, product_id, product_name, created_at
		FROM conversations ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []ConversationRecord
	for rows.Next() {
		var c ConversationRecord
		if err := rows.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.ProductName, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ListConversationsForUser returns the summaries a user sees, most recently
// active first.
func (s *ServerDB) ListConversationsForUser(userID string) ([]models.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.buyer_id, c.seller_id, c.product_id, c.product_name, c.created_at
		FROM conversations c
		WHERE c.buyer_id = ? OR c.seller_id = ?
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	var records []ConversationRecord
	for rows.Next() {
		var c ConversationRecord
		if err := rows.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.ProductName, &c.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(records))
	for _, rec := range records {
		counterpartyID := rec.Counterparty(userID)
		conv := models.Conversation{
			ID:             rec.ID,
			CounterpartyID: counterpartyID,
			ProductID:      rec.ProductID,
			ProductName:    rec.ProductName,
			LastMessageAt:  rec.CreatedAt,
		}
		if u, err := s.GetUser(counterpartyID); err != nil {
			return nil, err
		} else if u != nil {
			conv.CounterpartyName = u.Name()
		}
		last, err := s.lastMessage(rec.ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			conv.LastMessage = last.Text
			conv.LastMessageAt = last.CreatedAt
		}
		convs = append(convs, conv)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

func (s *ServerDB) lastMessage(conversationID string) (*models.ServerMessage, error) {
	var m models.ServerMessage
	err := s.db.QueryRow(`
		SELECT id, conversation_id, sender_id, text, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, conversationID).Scan(&m.ServerID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage stores a message sent by senderID, who must be a participant.
func (s *ServerDB) CreateMessage(conversationID, senderID, text string) (*models.ServerMessage, error) {
	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, sql.ErrNoRows
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	m := &models.ServerMessage{
		ServerID:       uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = s.db.Exec(`INSERT INTO messages (id, conversation_id, sender_id, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ServerID, m.ConversationID, m.SenderID, m.Text, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return m, nil
}

// GetMessages returns up to limit of the latest messages of a conversation in
// chronological order. A non-nil before restricts to older messages.
func (s *ServerDB) GetMessages(conversationID string, limit int, before *time.Time) ([]models.ServerMessage, error) {
	var rows *sql.Rows
	var err error
	if before != nil {
		rows, err = s.db.Query(`
			SELECT id, conversation_id, sender_id, text, created_at
			FROM messages WHERE conversation_id = ? AND created_at < ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, conversationID, before.UTC(), limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, conversation_id, sender_id, text, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.ServerMessage{}
	for rows.Next() {
		var m models.ServerMessage
		if err := rows.Scan(&m.ServerID, &m.ConversationID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, rows.Err()
}

// ClearConversationMessages removes all messages from a conversation.
func (s *ServerDB) ClearConversationMessages(conversationID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	return err
}
