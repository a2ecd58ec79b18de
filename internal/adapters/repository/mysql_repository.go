package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// MySQL error numbers that signal lock contention on the fail-fast row
// check: ER_LOCK_NOWAIT and ER_LOCK_WAIT_TIMEOUT.
const (
	mysqlErrLockNowait      = 3572
	mysqlErrLockWaitTimeout = 1205
)

// MySQLRepository is the MySQL implementation of core.EmailRepository.
// Cross-process dedup uses GET_LOCK advisory locks held for the ingest
// transaction plus SELECT ... FOR UPDATE NOWAIT on the identity row.
type MySQLRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewMySQLRepository creates a new MySQL repository. The DSN must include
// parseTime=true.
func NewMySQLRepository(dsn string, logger *zap.Logger) (*MySQLRepository, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	r := &MySQLRepository{db: db, logger: logger}
	if err := r.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *MySQLRepository) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS emails (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_id VARCHAR(255) NOT NULL,
			subject TEXT,
			sender VARCHAR(320),
			recipients TEXT,
			cc_list TEXT,
			text_body MEDIUMTEXT,
			html_body MEDIUMTEXT,
			received_at DATETIME,
			uid INT UNSIGNED NOT NULL DEFAULT 0,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			flagged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE KEY uq_emails_message_id (message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_id VARCHAR(255) NOT NULL,
			filename VARCHAR(512),
			stored_name VARCHAR(512) NOT NULL,
			content_type VARCHAR(255),
			size_bytes BIGINT NOT NULL DEFAULT 0,
			storage_key VARCHAR(768) NOT NULL,
			UNIQUE KEY uq_attachments_message_stored (message_id, stored_name),
			INDEX idx_attachments_message_id (message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS email_history (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			history_id VARCHAR(36) NOT NULL,
			message_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_history_message_id (message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS email_flow_locks (
			message_id VARCHAR(255) PRIMARY KEY,
			locked_until DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// BeginIngest pins a connection, takes the identity-keyed advisory lock
// without waiting, and opens the ingest transaction on that connection.
// The lock is released when the transaction finishes.
func (r *MySQLRepository) BeginIngest(ctx context.Context, identity string) (core.IngestTx, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	key := advisoryLockKey(identity)
	var got sql.NullInt64
	if err := conn.GetContext(ctx, &got, "SELECT GET_LOCK(?, 0)", key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquiring advisory lock: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		conn.Close()
		return nil, core.ErrBusy
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		releaseAdvisoryLock(conn, key, r.logger)
		conn.Close()
		return nil, fmt.Errorf("beginning ingest transaction: %w", err)
	}

	return &mysqlIngestTx{
		conn:    conn,
		tx:      tx,
		lockKey: key,
		logger:  r.logger,
	}, nil
}

// IsDelivered reports whether the message was already delivered.
func (r *MySQLRepository) IsDelivered(ctx context.Context, messageID string) (bool, error) {
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
func (r *MySQLRepository) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE emails SET delivered = TRUE WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("marking message delivered: %w", err)
	}
	return nil
}

// AppendHistory appends an audit record.
func (r *MySQLRepository) AppendHistory(ctx context.Context, messageID, status, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_history (history_id, message_id, status, detail)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), messageID, status, detail)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// ListUndelivered returns stored messages with delivered=false, oldest first.
func (r *MySQLRepository) ListUndelivered(ctx context.Context, limit int) ([]*core.EmailMessage, error) {
	var rows []mysqlEmailRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, message_id, subject, sender, recipients, cc_list,
		       text_body, html_body, received_at, uid, delivered, flagged
		FROM emails
		WHERE delivered = FALSE
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing undelivered messages: %w", err)
	}

	emails := make([]*core.EmailMessage, 0, len(rows))
	for i := range rows {
		emails = append(emails, rows[i].toEmail())
	}
	return emails, nil
}

// ListAttachments returns the attachments linked to a message.
func (r *MySQLRepository) ListAttachments(ctx context.Context, messageID string) ([]*core.Attachment, error) {
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

// AcquireDeliveryLock claims a time-boxed delivery lock. The claim is a
// compare-and-swap against the expiry, so a crashed holder self-expires.
func (r *MySQLRepository) AcquireDeliveryLock(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO email_flow_locks (message_id, locked_until)
		VALUES (?, ?)
		ON DUPLICATE KEY UPDATE
			locked_until = IF(locked_until < ?, VALUES(locked_until), locked_until)`,
		messageID, now.Add(ttl).Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return false, fmt.Errorf("acquiring delivery lock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring delivery lock: %w", err)
	}
	// 1 = inserted, 2 = expired lock taken over, 0 = lock still held.
	return affected > 0, nil
}

// ReleaseDeliveryLock drops the lock row for the message.
func (r *MySQLRepository) ReleaseDeliveryLock(ctx context.Context, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM email_flow_locks WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("releasing delivery lock: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *MySQLRepository) Close() error {
	return r.db.Close()
}

// mysqlIngestTx is one ingest transaction pinned to a connection that holds
// the advisory lock.
type mysqlIngestTx struct {
	conn    *sqlx.Conn
	tx      *sqlx.Tx
	lockKey string
	logger  *zap.Logger
	done    bool
}

// InsertOrGetExisting reads the identity row with a fail-fast row lock, or
// inserts a new row when none exists.
func (t *mysqlIngestTx) InsertOrGetExisting(ctx context.Context, msg *core.EmailMessage) (*core.IngestResult, error) {
	var row struct {
		ID        int64 `db:"id"`
		Delivered bool  `db:"delivered"`
	}
	err := t.tx.GetContext(ctx, &row,
		"SELECT id, delivered FROM emails WHERE message_id = ? FOR UPDATE NOWAIT",
		msg.MessageID)
	if err == nil {
		return &core.IngestResult{ID: row.ID, IsNew: false, Delivered: row.Delivered}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) &&
			(mysqlErr.Number == mysqlErrLockNowait || mysqlErr.Number == mysqlErrLockWaitTimeout) {
			return nil, core.ErrBusy
		}
		return nil, fmt.Errorf("checking for existing message: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO emails (message_id, subject, sender, recipients, cc_list,
		                    text_body, html_body, received_at, uid, delivered, flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE, FALSE)`,
		msg.MessageID, msg.Subject, msg.From, joinAddrs(msg.To), joinAddrs(msg.Cc),
		msg.TextBody, msg.HTMLBody, msg.ReceivedAt.UTC().Format(timeFormat), msg.UID)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return &core.IngestResult{ID: id, IsNew: true, Delivered: false}, nil
}

// LinkAttachment inserts an attachment row in the same transaction.
func (t *mysqlIngestTx) LinkAttachment(ctx context.Context, att *core.Attachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attachments (message_id, filename, stored_name, content_type, size_bytes, storage_key)
		VALUES (?, ?, ?, ?, ?, ?)`,
		att.MessageID, att.Filename, att.StoredName, att.ContentType, att.SizeBytes, att.StorageKey)
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

func (t *mysqlIngestTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Commit()
	t.finish()
	if err != nil {
		return fmt.Errorf("committing ingest transaction: %w", err)
	}
	return nil
}

func (t *mysqlIngestTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	t.finish()
	return err
}

func (t *mysqlIngestTx) finish() {
	releaseAdvisoryLock(t.conn, t.lockKey, t.logger)
	t.conn.Close()
}

func releaseAdvisoryLock(conn *sqlx.Conn, key string, logger *zap.Logger) {
	var released sql.NullInt64
	if err := conn.GetContext(context.Background(), &released,
		"SELECT RELEASE_LOCK(?)", key); err != nil {
		logger.Warn("Failed to release advisory lock",
			zap.String("key", key), zap.Error(err))
	}
}

type mysqlEmailRow struct {
	ID         int64     `db:"id"`
	MessageID  string    `db:"message_id"`
	Subject    string    `db:"subject"`
	Sender     string    `db:"sender"`
	Recipients string    `db:"recipients"`
	CcList     string    `db:"cc_list"`
	TextBody   string    `db:"text_body"`
	HTMLBody   string    `db:"html_body"`
	ReceivedAt time.Time `db:"received_at"`
	UID        uint32    `db:"uid"`
	Delivered  bool      `db:"delivered"`
	Flagged    bool      `db:"flagged"`
}

func (r *mysqlEmailRow) toEmail() *core.EmailMessage {
	return &core.EmailMessage{
		ID:         r.ID,
		MessageID:  r.MessageID,
		Subject:    r.Subject,
		From:       r.Sender,
		To:         splitAddrs(r.Recipients),
		Cc:         splitAddrs(r.CcList),
		TextBody:   r.TextBody,
		HTMLBody:   r.HTMLBody,
		ReceivedAt: r.ReceivedAt,
		UID:        r.UID,
		Delivered:  r.Delivered,
		Flagged:    r.Flagged,
	}
}

type attachmentRow struct {
	ID          int64  `db:"id"`
	MessageID   string `db:"message_id"`
	Filename    string `db:"filename"`
	StoredName  string `db:"stored_name"`
	ContentType string `db:"content_type"`
	SizeBytes   int64  `db:"size_bytes"`
	StorageKey  string `db:"storage_key"`
}

func (r *attachmentRow) toAttachment() *core.Attachment {
	return &core.Attachment{
		ID:          r.ID,
		MessageID:   r.MessageID,
		Filename:    r.Filename,
		StoredName:  r.StoredName,
		ContentType: r.ContentType,
		SizeBytes:   r.SizeBytes,
		StorageKey:  r.StorageKey,
	}
}
