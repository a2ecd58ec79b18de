package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// SQLiteRepository is the SQLite implementation of core.EmailRepository,
// used for single-process deployments and tests. SQLite has no advisory
// locks; serialization relies on the single-writer transaction model and
// the unique constraint on message_id, with lock contention mapped to
// ErrBusy.
type SQLiteRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteRepository opens (or creates) the SQLite database at dbPath.
func NewSQLiteRepository(dbPath string, logger *zap.Logger) (*SQLiteRepository, error) {
	// Immediate transactions take the write lock up front, so contention
	// surfaces as SQLITE_BUSY at BEGIN instead of mid-transaction.
	if !strings.Contains(dbPath, "?") {
		dbPath += "?_txlock=immediate"
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	r := &SQLiteRepository{db: db, logger: logger}
	if err := r.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS emails (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			subject TEXT,
			sender TEXT,
			recipients TEXT,
			cc_list TEXT,
			text_body TEXT,
			html_body TEXT,
			received_at TEXT,
			uid INTEGER NOT NULL DEFAULT 0,
			delivered INTEGER NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			filename TEXT,
			stored_name TEXT NOT NULL,
			content_type TEXT,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			storage_key TEXT NOT NULL,
			UNIQUE (message_id, stored_name)
		)`,
		`CREATE TABLE IF NOT EXISTS email_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			history_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS email_flow_locks (
			message_id TEXT PRIMARY KEY,
			locked_until INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// BeginIngest opens the ingest transaction.
func (r *SQLiteRepository) BeginIngest(ctx context.Context, identity string) (core.IngestTx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		if isSQLiteBusy(err) {
			return nil, core.ErrBusy
		}
		return nil, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	return &sqliteIngestTx{tx: tx}, nil
}

// IsDelivered reports whether the message was already delivered.
func (r *SQLiteRepository) IsDelivered(ctx context.Context, messageID string) (bool, error) {
	var delivered bool
	err := r.db.GetContext(ctx, &delivered,
		"SELECT delivered FROM emails WHERE message_id = ?", messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking delivered status: %w", err)
	}
	return delivered, nil
}

// MarkDelivered sets delivered=true. Idempotent.
func (r *SQLiteRepository) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE emails SET delivered = 1 WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	return nil
}

// AppendHistory appends an audit record.
func (r *SQLiteRepository) AppendHistory(ctx context.Context, messageID, status, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_history (history_id, message_id, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), messageID, status, detail,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// ListUndelivered returns stored messages with delivered=false, oldest first.
func (r *SQLiteRepository) ListUndelivered(ctx context.Context, limit int) ([]*core.EmailMessage, error) {
	var rows []sqliteEmailRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, message_id, subject, sender, recipients, cc_list,
		       text_body, html_body, received_at, uid, delivered, flagged
		FROM emails
		WHERE delivered = 0
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered messages: %w", err)
	}

	emails := make([]*core.EmailMessage, 0, len(rows))
	for i := range rows {
		email, err := rows[i].toEmail()
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}

// ListAttachments returns the attachments linked to a message.
func (r *SQLiteRepository) ListAttachments(ctx context.Context, messageID string) ([]*core.Attachment, error) {
	var rows []attachmentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, message_id, filename, stored_name, content_type, size_bytes, storage_key
		FROM attachments
		WHERE message_id = ?
		ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}

	atts := make([]*core.Attachment, 0, len(rows))
	for i := range rows {
		atts = append(atts, rows[i].toAttachment())
	}
	return atts, nil
}

// AcquireDeliveryLock claims a time-boxed delivery lock via a
// compare-and-swap on the expiry.
func (r *SQLiteRepository) AcquireDeliveryLock(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_flow_locks (message_id, locked_until)
		VALUES (?, ?)
		ON CONFLICT (message_id) DO UPDATE SET locked_until = excluded.locked_until
		WHERE email_flow_locks.locked_until < ?`,
		messageID, now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return false, fmt.Errorf("acquiring delivery lock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring delivery lock: %w", err)
	}
	return affected > 0, nil
}

// ReleaseDeliveryLock drops the lock row for the message.
func (r *SQLiteRepository) ReleaseDeliveryLock(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM email_flow_locks WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("releasing delivery lock: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type sqliteIngestTx struct {
	tx   *sqlx.Tx
	done bool
}

// InsertOrGetExisting reads the identity row, or inserts a new one. A
// unique-constraint violation means another writer inserted the identity
// between our read and write, which is reported as ErrBusy.
func (t *sqliteIngestTx) InsertOrGetExisting(ctx context.Context, msg *core.EmailMessage) (*core.IngestResult, error) {
	var row struct {
		ID        int64 `db:"id"`
		Delivered bool  `db:"delivered"`
	}
	err := t.tx.GetContext(ctx, &row,
		"SELECT id, delivered FROM emails WHERE message_id = ?", msg.MessageID)
	if err == nil {
		return &core.IngestResult{ID: row.ID, IsNew: false, Delivered: row.Delivered}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isSQLiteBusy(err) {
			return nil, core.ErrBusy
		}
		return nil, fmt.Errorf("checking for existing message: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO emails (message_id, subject, sender, recipients, cc_list,
		                    text_body, html_body, received_at, uid, delivered, flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		msg.MessageID, msg.Subject, msg.From, joinAddrs(msg.To), joinAddrs(msg.Cc),
		msg.TextBody, msg.HTMLBody, msg.ReceivedAt.UTC().Format(timeFormat), msg.UID)
	if err != nil {
		if isSQLiteBusy(err) || strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, core.ErrBusy
		}
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return &core.IngestResult{ID: id, IsNew: true, Delivered: false}, nil
}

// LinkAttachment inserts an attachment row in the same transaction.
func (t *sqliteIngestTx) LinkAttachment(ctx context.Context, att *core.Attachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attachments (message_id, filename, stored_name, content_type, size_bytes, storage_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		att.MessageID, att.Filename, att.StoredName, att.ContentType, att.SizeBytes, att.StorageKey)
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

func (t *sqliteIngestTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing ingest transaction: %w", err)
	}
	return nil
}

func (t *sqliteIngestTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

type sqliteEmailRow struct {
	ID         int64  `db:"id"`
	MessageID  string `db:"message_id"`
	Subject    string `db:"subject"`
	Sender     string `db:"sender"`
	Recipients string `db:"recipients"`
	CcList     string `db:"cc_list"`
	TextBody   string `db:"text_body"`
	HTMLBody   string `db:"html_body"`
	ReceivedAt string `db:"received_at"`
	UID        uint32 `db:"uid"`
	Delivered  bool   `db:"delivered"`
	Flagged    bool   `db:"flagged"`
}

func (r *sqliteEmailRow) toEmail() (*core.EmailMessage, error) {
	var receivedAt time.Time
	if r.ReceivedAt != "" {
		var err error
		receivedAt, err = time.Parse(timeFormat, r.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse received_at timestamp: %w", err)
		}
	}

	return &core.EmailMessage{
		ID:         r.ID,
		MessageID:  r.MessageID,
		Subject:    r.Subject,
		From:       r.Sender,
		To:         splitAddrs(r.Recipients),
		Cc:         splitAddrs(r.CcList),
		TextBody:   r.TextBody,
		HTMLBody:   r.HTMLBody,
		ReceivedAt: receivedAt,
		UID:        r.UID,
		Delivered:  r.Delivered,
		Flagged:    r.Flagged,
	}, nil
}
