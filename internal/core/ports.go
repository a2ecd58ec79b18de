package core

import (
	"context"
	"time"
)

// MailboxClient manages the stateful session to the mail server.
//
// A protocol error on a single message must not abort a batch; the adapter
// logs and skips it. Connection-level errors are wrapped with ErrConnection
// and abort the run.
type MailboxClient interface {
	// Connect opens an authenticated, encrypted session.
	Connect(ctx context.Context) error

	// SelectMailbox opens a mailbox for read-write access.
	SelectMailbox(ctx context.Context, name string) error

	// SearchUnprocessed returns the UIDs of messages lacking the processed
	// marker. An empty result is not an error.
	SearchUnprocessed(ctx context.Context) ([]uint32, error)

	// FetchBatch fetches and parses full message bodies for a bounded set
	// of UIDs. Messages that fail to fetch or parse are skipped.
	FetchBatch(ctx context.Context, uids []uint32) ([]*InboundMessage, error)

	// MarkProcessed sets the persistent processed flag on a message.
	// Setting an already-set flag is not an error.
	MarkProcessed(ctx context.Context, uid uint32) error

	// Disconnect closes the session gracefully.
	Disconnect() error
}

// IngestTx is one transactional ingest of a single message: insert (or
// duplicate detection) plus attachment linkage, committed or rolled back
// as a unit. The advisory lock taken at BeginIngest is held for the
// lifetime of the transaction and released on Commit/Rollback.
type IngestTx interface {
	// InsertOrGetExisting inserts the message, or returns the existing row
	// if the identity is already stored. Returns ErrBusy if another
	// process holds the row lock.
	InsertOrGetExisting(ctx context.Context, msg *EmailMessage) (*IngestResult, error)

	// LinkAttachment inserts an attachment row in the same transaction.
	LinkAttachment(ctx context.Context, att *Attachment) error

	Commit() error
	Rollback() error
}

// EmailRepository owns the relational schema: deduplication, transactional
// consistency, history and cross-process delivery locks.
type EmailRepository interface {
	// BeginIngest opens an ingest transaction for the given identity,
	// acquiring the identity-keyed advisory lock. Returns ErrBusy when the
	// lock is contended.
	BeginIngest(ctx context.Context, identity string) (IngestTx, error)

	// IsDelivered reports whether the message was already delivered.
	IsDelivered(ctx context.Context, messageID string) (bool, error)

	// MarkDelivered sets delivered=true. Idempotent.
	MarkDelivered(ctx context.Context, messageID string) error

	// AppendHistory appends an audit record. Never blocks on ingest locks.
	AppendHistory(ctx context.Context, messageID, status, detail string) error

	// ListUndelivered returns stored messages with delivered=false, oldest
	// first, for the delivery retry sweep.
	ListUndelivered(ctx context.Context, limit int) ([]*EmailMessage, error)

	// ListAttachments returns the attachments linked to a message.
	ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error)

	// AcquireDeliveryLock claims a time-boxed exclusive delivery lock for
	// the message. The claim is a compare-and-swap against the expiry, so
	// a crashed holder self-expires.
	AcquireDeliveryLock(ctx context.Context, messageID string, ttl time.Duration) (bool, error)

	// ReleaseDeliveryLock expires the lock held for the message.
	ReleaseDeliveryLock(ctx context.Context, messageID string) error

	Close() error
}

// AttachmentStore persists binary parts to durable storage.
type AttachmentStore interface {
	// Save writes the bytes and returns the storage key. The write is
	// all-or-nothing: a partial write surfaces as an error.
	Save(ctx context.Context, messageID, filename, contentType string, data []byte) (string, error)

	// PublicURL builds the externally resolvable URL for a storage key.
	PublicURL(storageKey string) string
}

// DeliveryClient posts one normalized message to the external CRM sink.
// It must not touch the store; transaction boundaries stay with the
// pipeline and repository.
type DeliveryClient interface {
	Deliver(ctx context.Context, msg *EmailMessage, attachmentURLs []string) (*DeliveryReceipt, error)
}
