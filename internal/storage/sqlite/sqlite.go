// Package sqlite stores properties and a local mailbox in a single SQLite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"mailtriage/internal/domain"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		user_id    TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		thread_id       TEXT DEFAULT '',
		subject         TEXT DEFAULT '',
		body            TEXT DEFAULT '',
		terminal_marker TEXT DEFAULT '',
		received_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_marker ON messages(terminal_marker);

	CREATE TABLE IF NOT EXISTS message_labels (
		message_id TEXT NOT NULL,
		label      TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, label)
	);

	CREATE TABLE IF NOT EXISTS drafts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_drafts_message ON drafts(message_id);
	`
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Migration: marker timestamp added after the first release.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name = 'marked_at'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE messages ADD COLUMN marked_at DATETIME`)
	}

	return db, nil
}

// Properties is the PropertyStore of one user.
type Properties struct {
	db     *sql.DB
	userID string
}

func NewProperties(db *sql.DB, userID string) *Properties {
	return &Properties{db: db, userID: userID}
}

func (p *Properties) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM properties WHERE user_id = ? AND key = ?`, p.userID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get property %s: %w", key, err)
	}
	return v, true, nil
}

func (p *Properties) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO properties (user_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		p.userID, key, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

func (p *Properties) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM properties WHERE user_id = ? AND key = ?`, p.userID, key)
	if err != nil {
		return fmt.Errorf("delete property %s: %w", key, err)
	}
	return nil
}

func (p *Properties) List(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value FROM properties WHERE user_id = ? AND instr(key, ?) = 1`, p.userID, prefix)
	if err != nil {
		return nil, fmt.Errorf("list properties %s: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Mailbox is a WorkSource and LabelApplier over the messages table, ordered
// by insertion.
type Mailbox struct {
	db *sql.DB
}

func NewMailbox(db *sql.DB) *Mailbox {
	return &Mailbox{db: db}
}

// InsertMessages adds messages, skipping ids that already exist.
func (m *Mailbox) InsertMessages(ctx context.Context, items []domain.WorkItem) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO messages (id, thread_id, subject, body) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, item := range items {
		res, err := stmt.ExecContext(ctx, item.ID, item.ThreadID, item.Subject, item.Body)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

func (m *Mailbox) ListCandidates(ctx context.Context, q domain.Query, limit int) ([]domain.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if !q.IncludeTerminal {
		where = append(where, `terminal_marker = ''`)
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		where = append(where, `(subject LIKE ? ESCAPE '\' OR body LIKE ? ESCAPE '\')`)
		pattern := "%" + escapeLike(text) + "%"
		args = append(args, pattern, pattern)
	}
	query := `SELECT id, thread_id, subject, body FROM messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		var item domain.WorkItem
		if err := rows.Scan(&item.ID, &item.ThreadID, &item.Subject, &item.Body); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (m *Mailbox) ApplyTerminalMarker(ctx context.Context, itemID string, marker domain.Marker) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE messages SET terminal_marker = ?, marked_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(marker), itemID)
	if err != nil {
		return fmt.Errorf("mark %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark %s: message not found", itemID)
	}
	return nil
}

func (m *Mailbox) ApplyOutcomeLabel(ctx context.Context, itemID, label string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_labels (message_id, label) VALUES (?, ?)`, itemID, label)
	if err != nil {
		return fmt.Errorf("label %s: %w", itemID, err)
	}
	return nil
}

func (m *Mailbox) CreateDraftOrReply(ctx context.Context, itemID, text string) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO drafts (message_id, body) VALUES (?, ?)`, itemID, text)
	if err != nil {
		return fmt.Errorf("draft %s: %w", itemID, err)
	}
	return nil
}

// Marker returns the terminal marker of itemID, empty when unmarked.
func (m *Mailbox) Marker(ctx context.Context, itemID string) (domain.Marker, error) {
	var marker string
	err := m.db.QueryRowContext(ctx, `SELECT terminal_marker FROM messages WHERE id = ?`, itemID).Scan(&marker)
	return domain.Marker(marker), err
}

func (m *Mailbox) Labels(ctx context.Context, itemID string) ([]string, error) {
	return m.strings(ctx, `SELECT label FROM message_labels WHERE message_id = ? ORDER BY label`, itemID)
}

func (m *Mailbox) Drafts(ctx context.Context, itemID string) ([]string, error) {
	return m.strings(ctx, `SELECT body FROM drafts WHERE message_id = ? ORDER BY id`, itemID)
}

// Counts returns the number of messages per terminal marker; unmarked
// messages are counted under the empty marker.
func (m *Mailbox) Counts(ctx context.Context) (map[domain.Marker]int, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT terminal_marker, COUNT(*) FROM messages GROUP BY terminal_marker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.Marker]int)
	for rows.Next() {
		var (
			marker string
			n      int
		)
		if err := rows.Scan(&marker, &n); err != nil {
			return nil, err
		}
		out[domain.Marker(marker)] = n
	}
	return out, rows.Err()
}

func (m *Mailbox) strings(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
