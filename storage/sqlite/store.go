// Package sqlite persists messages and blocks in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	llmstream "github.com/haowjy/meridian-stream-go"
)

// DatabaseFile is the file name used inside the data directory.
const DatabaseFile = "meridian-stream.db"

// ErrNotFound is returned for unknown block or message ids.
var ErrNotFound = errors.New("sqlite store: not found")

// Store implements llmstream.Store on SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ llmstream.Store = (*Store)(nil)

// New opens (creating if needed) the database in dataDir and migrates it.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, path: dbPath, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		topic_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_topic ON messages(topic_id, created_at);

	CREATE TABLE IF NOT EXISTS blocks (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		message_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		content_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finalized_at DATETIME,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_blocks_message ON blocks(message_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Message operations

// CreateMessage inserts a message. An empty status defaults to PENDING.
func (s *Store) CreateMessage(ctx context.Context, msg *llmstream.Message) error {
	status := msg.Status
	if status == "" {
		status = llmstream.MessageStatusPending
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, topic_id, role, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.TopicID, msg.Role, msg.Model, status, now, now)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage loads a message and its block ids in append order.
func (s *Store) GetMessage(ctx context.Context, id string) (*llmstream.Message, error) {
	var msg llmstream.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, topic_id, role, model, status, created_at, updated_at
		FROM messages WHERE id = ?
	`, id).Scan(&msg.ID, &msg.TopicID, &msg.Role, &msg.Model, &msg.Status, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM blocks WHERE message_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msg.Blocks = []string{}
	for rows.Next() {
		var blockID string
		if err := rows.Scan(&blockID); err != nil {
			return nil, err
		}
		msg.Blocks = append(msg.Blocks, blockID)
	}
	return &msg, rows.Err()
}

func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status llmstream.MessageStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, updated_at = ? WHERE id = ?
	`, status, s.now(), messageID)
	if err != nil {
		return err
	}
	return expectRow(res, "message", messageID)
}

// Block operations

func (s *Store) CreateBlock(ctx context.Context, block *llmstream.MessageBlock) error {
	contentJSON, err := json.Marshal(block.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (id, message_id, type, status, content_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, block.ID, block.MessageID, block.Type, block.Status, string(contentJSON), now, now); err != nil {
		return fmt.Errorf("insert block %s: %w", block.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET updated_at = ? WHERE id = ?`, now, block.MessageID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateBlock(ctx context.Context, blockID string, changes llmstream.BlockChanges) error {
	return s.applyChanges(ctx, blockID, changes, false)
}

func (s *Store) FinalizeBlock(ctx context.Context, blockID string, changes llmstream.BlockChanges) error {
	return s.applyChanges(ctx, blockID, changes, true)
}

func (s *Store) applyChanges(ctx context.Context, blockID string, changes llmstream.BlockChanges, final bool) error {
	var typ, status, content sql.NullString
	if changes.Type != nil {
		typ = sql.NullString{String: string(*changes.Type), Valid: true}
	}
	if changes.Status != nil {
		status = sql.NullString{String: string(*changes.Status), Valid: true}
	}
	if changes.Content != nil {
		b, err := json.Marshal(changes.Content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		content = sql.NullString{String: string(b), Valid: true}
	}

	now := s.now()
	var finalizedAt sql.NullTime
	if final {
		finalizedAt = sql.NullTime{Time: now, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE blocks SET
			type = COALESCE(?, type),
			status = COALESCE(?, status),
			content_json = COALESCE(?, content_json),
			updated_at = ?,
			finalized_at = COALESCE(?, finalized_at)
		WHERE id = ?
	`, typ, status, content, now, finalizedAt, blockID)
	if err != nil {
		return err
	}
	return expectRow(res, "block", blockID)
}

func (s *Store) DeleteBlock(ctx context.Context, blockID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, blockID)
	if err != nil {
		return err
	}
	return expectRow(res, "block", blockID)
}

// ListBlocks returns a message's blocks in append order.
func (s *Store) ListBlocks(ctx context.Context, messageID string) ([]llmstream.MessageBlock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, type, status, content_json, created_at, updated_at
		FROM blocks WHERE message_id = ? ORDER BY seq ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []llmstream.MessageBlock
	for rows.Next() {
		var b llmstream.MessageBlock
		var contentJSON string
		if err := rows.Scan(&b.ID, &b.MessageID, &b.Type, &b.Status, &contentJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contentJSON), &b.Content); err != nil {
			return nil, fmt.Errorf("decode block %s content: %w", b.ID, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
