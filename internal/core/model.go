package core

import (
	"time"
)

// InboundMessage is one message fetched and parsed from the mailbox.
// MessageID is the protocol-native identifier and may be empty.
type InboundMessage struct {
	UID         uint32
	MessageID   string
	Subject     string
	From        string
	To          []string
	Cc          []string
	TextBody    string
	HTMLBody    string
	ReceivedAt  time.Time
	Attachments []InboundAttachment
}

// InboundAttachment is a binary part of an InboundMessage, still in memory.
type InboundAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EmailMessage is the persisted form of a message. MessageID is the
// deduplication identity and unique in the store.
type EmailMessage struct {
	ID         int64
	MessageID  string
	Subject    string
	From       string
	To         []string
	Cc         []string
	TextBody   string
	HTMLBody   string
	ReceivedAt time.Time
	UID        uint32
	Delivered  bool
	Flagged    bool
}

// Attachment is a stored binary part of an EmailMessage.
type Attachment struct {
	ID          int64
	MessageID   string
	Filename    string
	StoredName  string
	ContentType string
	SizeBytes   int64
	StorageKey  string
}

// HistoryEntry is one append-only audit record for a message.
type HistoryEntry struct {
	ID        int64
	HistoryID string
	MessageID string
	Status    string
	Detail    string
	CreatedAt time.Time
}

// History statuses written by the pipeline.
const (
	HistoryStatusSuccess = "success"
	HistoryStatusError   = "error"
)

// IngestResult is the outcome of an insert-or-detect-duplicate attempt.
type IngestResult struct {
	ID        int64
	IsNew     bool
	Delivered bool
}

// DeliveryReceipt is the sink's acknowledgement of a delivered message.
type DeliveryReceipt struct {
	FlowID string
}

// RunState identifies where in its lifecycle a pipeline run is.
type RunState string

const (
	StateIdle          RunState = "idle"
	StateConnecting    RunState = "connecting"
	StateSearching     RunState = "searching"
	StateFetching      RunState = "fetching"
	StatePersisting    RunState = "persisting"
	StateDelivering    RunState = "delivering"
	StateFlagging      RunState = "flagging"
	StateDisconnecting RunState = "disconnecting"
	StateFailed        RunState = "failed"
)

// RunReport summarizes one pipeline run for the triggering caller.
// Per-message detail is not included; it lives in the history table.
type RunReport struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Searched   int       `json:"searched"`
	Ingested   int       `json:"ingested"`
	Duplicates int       `json:"duplicates"`
	Delivered  int       `json:"delivered"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Failure    string    `json:"failure,omitempty"`
}
