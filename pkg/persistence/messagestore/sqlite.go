package messagestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/chat"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			conv_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			processing_ms INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ok',
			error TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (conv_id, seq)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_by_id ON messages(message_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, convID string, msg chat.Message) (chat.Message, error) {
	if s == nil || s.db == nil {
		return chat.Message{}, errors.New("sqlite message store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return chat.Message{}, errors.New("sqlite message store: convID is empty")
	}
	msg = normalize(convID, msg)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "sqlite message store: begin tx")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conv_id = ?`, convID).Scan(&seq); err != nil {
		return chat.Message{}, errors.Wrap(err, "sqlite message store: next seq")
	}
	msg.Seq = seq

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages(
			conv_id, seq, message_id, role, content, sender_id, model,
			token_count, processing_ms, status, error, created_at_ms
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, convID, msg.Seq, msg.ID, string(msg.Role), msg.Content, msg.SenderID, msg.Model,
		msg.TokenCount, msg.ProcessingMs, string(msg.Status), msg.Error, msg.CreatedAt.UnixMilli()); err != nil {
		return chat.Message{}, errors.Wrap(err, "sqlite message store: insert message")
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, errors.Wrap(err, "sqlite message store: commit")
	}
	committed = true
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, convID string) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, message_id, role, content, sender_id, model,
			token_count, processing_ms, status, error, created_at_ms
		FROM messages
		WHERE conv_id = ?
		ORDER BY seq ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: query messages")
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		var (
			m           chat.Message
			role        string
			status      string
			createdAtMs int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &role, &m.Content, &m.SenderID, &m.Model,
			&m.TokenCount, &m.ProcessingMs, &status, &m.Error, &createdAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan message")
		}
		m.ConversationID = convID
		m.Role = chat.Role(role)
		m.Status = chat.Status(status)
		m.ProcessingTime = time.Duration(m.ProcessingMs) * time.Millisecond
		m.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate messages")
	}
	return out, nil
}

func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func normalize(convID string, msg chat.Message) chat.Message {
	msg.ConversationID = convID
	if msg.ID == "" {
		msg.ID = chat.NewMessageID()
	}
	if msg.Status == "" {
		msg.Status = chat.StatusOK
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ProcessingMs == 0 && msg.ProcessingTime > 0 {
		msg.ProcessingMs = msg.ProcessingTime.Milliseconds()
	}
	return msg
}

func errUnknownDriver(driver string) error {
	return errors.Errorf("unknown message store driver %q", driver)
}
