package db

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// PrefLastConversation remembers the conversation to reopen on start.
const PrefLastConversation = "last_conversation"

// ClientDB is the client's local cache of confirmed chat state.
type ClientDB struct {
	db *sql.DB
}

// NewClientDB opens or creates the client database.
func NewClientDB(path string) (*ClientDB, error) {
	db, err := sql.Open("sqlite3", path+"?_fk=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cdb := &ClientDB{db: db}
	if err := cdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return cdb, nil
}

// Close closes the database connection.
func (c *ClientDB) Close() error {
	return c.db.Close()
}

func (c *ClientDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cached_conversations (
			id TEXT PRIMARY KEY,
			counterparty_id TEXT NOT NULL,
			counterparty_name TEXT NOT NULL DEFAULT '',
			product_id TEXT NOT NULL,
			product_name TEXT NOT NULL DEFAULT '',
			last_message TEXT NOT NULL DEFAULT '',
			last_message_at DATETIME,
			unread INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS cached_messages (
			server_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cached_messages_conversation
			ON cached_messages(conversation_id, created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// GetPreference retrieves a preference value.
func (c *ClientDB) GetPreference(key string) (string, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetPreference sets a preference value.
func (c *ClientDB) SetPreference(key, value string) error {
	_, err := c.db.Exec(`
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// CacheConversations replaces the cached conversation list.
func (c *ClientDB) CacheConversations(convs []models.Conversation) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cached_conversations`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO cached_conversations
			(id, counterparty_id, counterparty_name, product_id, product_name, last_message, last_message_at, unread)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, conv := range convs {
		var lastAt sql.NullTime
		if !conv.LastMessageAt.IsZero() {
			lastAt = sql.NullTime{Time: conv.LastMessageAt.UTC(), Valid: true}
		}
		if _, err := stmt.Exec(conv.ID, conv.CounterpartyID, conv.CounterpartyName, conv.ProductID,
			conv.ProductName, conv.LastMessage, lastAt, conv.Unread); err != nil {
			return fmt.Errorf("failed to cache conversation %s: %w", conv.ID, err)
		}
	}
	return tx.Commit()
}

// GetCachedConversations returns the cached conversation list, most recently
// active first.
func (c *ClientDB) GetCachedConversations() ([]models.Conversation, error) {
	rows, err := c.db.Query(`
		SELECT id, counterparty_id, counterparty_name, product_id, product_name, last_message, last_message_at, unread
		FROM cached_conversations
		ORDER BY last_message_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var lastAt sql.NullTime
		if err := rows.Scan(&conv.ID, &conv.CounterpartyID, &conv.CounterpartyName, &conv.ProductID,
			&conv.ProductName, &conv.LastMessage, &lastAt, &conv.Unread); err != nil {
			return nil, err
		}
		if lastAt.Valid {
			conv.LastMessageAt = lastAt.Time
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// CacheMessage caches a confirmed message. Messages without a server ID are
// still optimistic and are rejected.
func (c *ClientDB) CacheMessage(msg models.Message) error {
	if msg.ServerID == "" || msg.Status != models.StatusSent {
		return errors.New("only confirmed messages are cached")
	}
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO cached_messages
			(server_id, conversation_id, sender_id, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ServerID, msg.ConversationID, msg.SenderID, msg.Text, msg.CreatedAt.UTC())
	return err
}

// GetCachedMessages returns up to limit of the latest cached messages of a
// conversation in chronological order.
func (c *ClientDB) GetCachedMessages(conversationID string, limit int) ([]models.ServerMessage, error) {
	rows, err := c.db.Query(`
		SELECT server_id, conversation_id, sender_id, text, created_at
		FROM cached_messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ServerMessage
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

// ClearCachedMessages clears the cached messages of a conversation, or of
// every conversation when conversationID is empty.
func (c *ClientDB) ClearCachedMessages(conversationID string) error {
	if conversationID == "" {
		_, err := c.db.Exec(`DELETE FROM cached_messages`)
		return err
	}
	_, err := c.db.Exec(`DELETE FROM cached_messages WHERE conversation_id = ?`, conversationID)
	return err
}
