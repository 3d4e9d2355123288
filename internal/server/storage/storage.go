// Package storage is the reference backend's Postgres persistence:
// users, token sessions, conversations, messages and their version
// history.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/protocol"
)

const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"

	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 30 * 24 * time.Hour
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Credits      float64
	CreatedAt    time.Time
}

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

func New(log *zap.Logger) (*Store, error) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		connStr = "postgres://localhost/casechat?sslmode=disable"
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to database")
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// EnsureSchema creates missing tables; the reference backend is meant
// to come up against an empty database.
func (s *Store) EnsureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			credits DOUBLE PRECISION NOT NULL DEFAULT 100,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			last_message TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			citations JSONB,
			total_versions INTEGER NOT NULL DEFAULT 1,
			current_version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS message_versions (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			version_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, version_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *Store) CreateUser(username, passwordHash string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3)",
		id, username, passwordHash,
	)
	return id, err
}

func (s *Store) GetUserByUsername(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, credits FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Credits)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByID(id string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, username, credits FROM users WHERE id = $1",
		id,
	).Scan(&u.ID, &u.Username, &u.Credits)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) DebitCredits(userID string, amount float64) error {
	_, err := s.db.Exec(
		"UPDATE users SET credits = GREATEST(credits - $1, 0) WHERE id = $2",
		amount, userID,
	)
	return err
}

// --- Token sessions ---

func (s *Store) IssueToken(userID, kind string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO sessions (token, user_id, kind, expires_at) VALUES ($1, $2, $3, $4)",
		token, userID, kind, time.Now().Add(ttl),
	)
	return token, err
}

// LookupToken resolves a live token of the given kind to its user id.
func (s *Store) LookupToken(token, kind string) (string, error) {
	var userID string
	err := s.db.QueryRow(
		"SELECT user_id FROM sessions WHERE token = $1 AND kind = $2 AND expires_at > NOW()",
		token, kind,
	).Scan(&userID)
	if err != nil {
		return "", fmt.Errorf("invalid or expired token")
	}
	return userID, nil
}

func (s *Store) RevokeToken(token string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE token = $1", token)
	return err
}

// --- Conversations ---

func (s *Store) CreateConversation(userID, title, language string) (*protocol.Conversation, error) {
	now := time.Now()
	conv := &protocol.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		Language:       language,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, user_id, title, language, last_activity_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5, $5)`,
		conv.ID, userID, title, language, now,
	)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) GetUserConversations(userID string) ([]protocol.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, title, language, archived, pinned, last_message,
		        unread_count, last_activity_at, created_at, updated_at
		 FROM conversations
		 WHERE user_id = $1
		 ORDER BY pinned DESC, last_activity_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []protocol.Conversation
	for rows.Next() {
		var c protocol.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Language, &c.Archived,
			&c.Pinned, &c.LastMessage, &c.UnreadCount, &c.LastActivityAt,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			s.log.Warn("scanning conversation", zap.Error(err))
			continue
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) GetConversation(id string) (*protocol.Conversation, error) {
	var c protocol.Conversation
	err := s.db.QueryRow(
		`SELECT id, user_id, title, language, archived, pinned, last_message,
		        unread_count, last_activity_at, created_at, updated_at
		 FROM conversations WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.Language, &c.Archived, &c.Pinned,
		&c.LastMessage, &c.UnreadCount, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) RenameConversation(id, title string) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET title = $1, updated_at = NOW() WHERE id = $2",
		title, id,
	)
	return err
}

func (s *Store) SetConversationArchived(id string, archived bool) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET archived = $1, updated_at = NOW() WHERE id = $2",
		archived, id,
	)
	return err
}

func (s *Store) SetConversationPinned(id string, pinned bool) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET pinned = $1, updated_at = NOW() WHERE id = $2",
		pinned, id,
	)
	return err
}

// DeleteConversation cascades to its messages and their versions.
func (s *Store) DeleteConversation(id string) error {
	_, err := s.db.Exec("DELETE FROM conversations WHERE id = $1", id)
	return err
}

// TouchConversation updates last-activity bookkeeping and the preview,
// and sets the title from the first message when still blank.
func (s *Store) TouchConversation(id, preview string) error {
	_, err := s.db.Exec(
		`UPDATE conversations
		 SET last_message = $1, last_activity_at = NOW(), updated_at = NOW(),
		     title = CASE WHEN title = '' THEN LEFT($1, 50) ELSE title END
		 WHERE id = $2`,
		preview, id,
	)
	return err
}

// --- Messages ---

func (s *Store) SaveMessage(conversationID string, role protocol.Role, content string, citations []protocol.Citation) (*protocol.Message, error) {
	now := time.Now()
	msg := &protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Citations:      citations,
		TotalVersions:  1,
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	citJSON, err := marshalCitations(citations)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, citations, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		msg.ID, conversationID, string(role), content, citJSON, now,
	)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		"INSERT INTO message_versions (message_id, version_number, content) VALUES ($1, 1, $2)",
		msg.ID, content,
	)
	if err != nil {
		return nil, err
	}
	return msg, tx.Commit()
}

func (s *Store) GetMessage(id string) (*protocol.Message, error) {
	var m protocol.Message
	var citJSON []byte
	err := s.db.QueryRow(
		`SELECT id, conversation_id, role, content, citations, total_versions,
		        current_version, created_at, updated_at
		 FROM messages WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &citJSON,
		&m.TotalVersions, &m.CurrentVersion, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(citJSON) > 0 {
		if err := json.Unmarshal(citJSON, &m.Citations); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (s *Store) GetConversationMessages(conversationID string) ([]protocol.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, citations, total_versions,
		        current_version, created_at, updated_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var m protocol.Message
		var citJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &citJSON,
			&m.TotalVersions, &m.CurrentVersion, &m.CreatedAt, &m.UpdatedAt); err != nil {
			s.log.Warn("scanning message", zap.Error(err))
			continue
		}
		if len(citJSON) > 0 {
			json.Unmarshal(citJSON, &m.Citations)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AddMessageVersion records a new content version (edit or regenerate),
// makes it current and rewrites the message content.
func (s *Store) AddMessageVersion(id, content string) (*protocol.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRow(
		"SELECT total_versions FROM messages WHERE id = $1 FOR UPDATE", id,
	).Scan(&total); err != nil {
		return nil, err
	}

	next := total + 1
	if _, err := tx.Exec(
		"INSERT INTO message_versions (message_id, version_number, content) VALUES ($1, $2, $3)",
		id, next, content,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`UPDATE messages SET content = $1, total_versions = $2, current_version = $2,
		 updated_at = NOW() WHERE id = $3`,
		content, next, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetMessage(id)
}

// SwitchMessageVersion points the message at an existing version.
func (s *Store) SwitchMessageVersion(id string, versionNumber int) (*protocol.Message, error) {
	var content string
	err := s.db.QueryRow(
		"SELECT content FROM message_versions WHERE message_id = $1 AND version_number = $2",
		id, versionNumber,
	).Scan(&content)
	if err != nil {
		return nil, fmt.Errorf("version %d not found", versionNumber)
	}

	_, err = s.db.Exec(
		"UPDATE messages SET content = $1, current_version = $2, updated_at = NOW() WHERE id = $3",
		content, versionNumber, id,
	)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(id)
}

func (s *Store) GetMessageVersions(id string) ([]protocol.MessageVersion, error) {
	rows, err := s.db.Query(
		`SELECT version_number, content, created_at
		 FROM message_versions WHERE message_id = $1 ORDER BY version_number ASC`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []protocol.MessageVersion
	for rows.Next() {
		var v protocol.MessageVersion
		if err := rows.Scan(&v.VersionNumber, &v.Content, &v.CreatedAt); err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) DeleteMessage(id string) error {
	_, err := s.db.Exec("DELETE FROM messages WHERE id = $1", id)
	return err
}

func marshalCitations(citations []protocol.Citation) ([]byte, error) {
	if len(citations) == 0 {
		return nil, nil
	}
	return json.Marshal(citations)
}
