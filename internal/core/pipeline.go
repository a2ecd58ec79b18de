package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/utils"
)

// PipelineOptions holds the tunables for an ingestion pipeline.
type PipelineOptions struct {
	MailboxName     string
	BatchSize       int
	StuckRunTimeout time.Duration
	DeliveryLockTTL time.Duration
	SweepLimit      int
}

// Pipeline drives the end-to-end ingestion flow:
// connect, search, batch-fetch, persist, deliver, flag, disconnect.
//
// At most one run executes at a time per process. A run older than
// StuckRunTimeout is considered stuck and its slot is forcibly taken over;
// the identity dedup and advisory locks make an overlapping run safe,
// merely wasteful.
type Pipeline struct {
	mailbox    MailboxClient
	repo       EmailRepository
	store      AttachmentStore
	delivery   DeliveryClient
	classifier SenderClassifier
	logger     *zap.Logger
	opts       PipelineOptions

	// Unix nanos of the running run's start, 0 when idle.
	runStart atomic.Int64
	now      func() time.Time
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(
	mailbox MailboxClient,
	repo EmailRepository,
	store AttachmentStore,
	delivery DeliveryClient,
	classifier SenderClassifier,
	logger *zap.Logger,
	opts PipelineOptions,
) *Pipeline {
	if opts.MailboxName == "" {
		opts.MailboxName = "INBOX"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.StuckRunTimeout <= 0 {
		opts.StuckRunTimeout = 5 * time.Minute
	}
	if opts.DeliveryLockTTL <= 0 {
		opts.DeliveryLockTTL = 2 * time.Minute
	}

	return &Pipeline{
		mailbox:    mailbox,
		repo:       repo,
		store:      store,
		delivery:   delivery,
		classifier: classifier,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Run executes one ingestion pass. It returns ErrRunInProgress when another
// run is still executing and not yet stuck.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	token, ok := p.tryAcquireRun()
	if !ok {
		return nil, ErrRunInProgress
	}
	defer p.releaseRun(token)

	report := &RunReport{
		RunID:     uuid.New().String(),
		StartedAt: p.now(),
	}
	p.logger.Info("Starting ingestion run", zap.String("run_id", report.RunID))

	err := p.runOnce(ctx, report)
	report.FinishedAt = p.now()

	if err != nil {
		report.Failure = err.Error()
		p.logger.Error("Ingestion run failed",
			zap.String("run_id", report.RunID),
			zap.String("state", string(StateFailed)),
			zap.Error(err))
		return report, err
	}

	p.logger.Info("Ingestion run complete",
		zap.String("run_id", report.RunID),
		zap.Int("searched", report.Searched),
		zap.Int("ingested", report.Ingested),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("delivered", report.Delivered),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors))
	return report, nil
}

func (p *Pipeline) runOnce(ctx context.Context, report *RunReport) error {
	p.logState(report, StateConnecting)
	if err := p.mailbox.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer func() {
		p.logState(report, StateDisconnecting)
		if err := p.mailbox.Disconnect(); err != nil {
			p.logger.Warn("Failed to disconnect from mailbox", zap.Error(err))
		}
	}()

	if err := p.mailbox.SelectMailbox(ctx, p.opts.MailboxName); err != nil {
		return fmt.Errorf("selecting mailbox %s: %w", p.opts.MailboxName, err)
	}

	p.logState(report, StateSearching)
	uids, err := p.mailbox.SearchUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("searching unprocessed messages: %w", err)
	}
	report.Searched = len(uids)

	attempted := make(map[string]bool)

	// Batches and messages are processed sequentially to bound load on the
	// delivery sink and keep the lock/transaction pattern simple.
	for start := 0; start < len(uids); start += p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(uids) {
			end = len(uids)
		}

		p.logState(report, StateFetching)
		batch, err := p.mailbox.FetchBatch(ctx, uids[start:end])
		if err != nil {
			return fmt.Errorf("fetching batch: %w", err)
		}

		for _, msg := range batch {
			p.processMessage(ctx, msg, report, attempted)
		}
	}

	p.sweepUndelivered(ctx, report, attempted)
	return nil
}

// processMessage handles one message end to end. Errors are contained at
// this boundary so one bad message never stops the batch.
func (p *Pipeline) processMessage(ctx context.Context, msg *InboundMessage, report *RunReport, attempted map[string]bool) {
	identity, err := DeriveIdentity(msg, p.classifier)
	if err != nil {
		// Without an identity dedup is impossible. Flag the message so it
		// is not re-seen and re-dropped on every run.
		p.logger.Warn("Skipping message with undeterminable identity",
			zap.Uint32("uid", msg.UID),
			zap.String("from", msg.From),
			zap.String("subject", msg.Subject))
		report.Skipped++
		p.flagProcessed(ctx, msg.UID)
		return
	}

	p.logState(report, StatePersisting)
	email := storedFromInbound(msg, identity)
	res, err := p.ingest(ctx, email, msg.Attachments)
	if errors.Is(err, ErrBusy) {
		p.logger.Debug("Message held by a concurrent run, skipping this pass",
			zap.String("message_id", identity))
		report.Skipped++
		return
	}
	if err != nil {
		// Message stays unflagged so the next run retries it.
		p.logger.Error("Failed to ingest message",
			zap.String("message_id", identity),
			zap.Uint32("uid", msg.UID),
			zap.Error(err))
		report.Errors++
		return
	}

	if res.IsNew {
		report.Ingested++
	} else {
		report.Duplicates++
	}

	if res.IsNew || !res.Delivered {
		p.logState(report, StateDelivering)
		email.ID = res.ID
		if p.deliverStored(ctx, email, attempted) {
			report.Delivered++
		}
	}

	p.logState(report, StateFlagging)
	p.flagProcessed(ctx, msg.UID)
}

// ingest persists a message and its attachments in one transaction.
// Any failure, including an attachment write, rolls the whole thing back
// so no orphan rows are committed.
func (p *Pipeline) ingest(ctx context.Context, email *EmailMessage, atts []InboundAttachment) (*IngestResult, error) {
	tx, err := p.repo.BeginIngest(ctx, email.MessageID)
	if err != nil {
		return nil, err
	}

	res, err := tx.InsertOrGetExisting(ctx, email)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if res.IsNew {
		seen := make(map[string]int)
		for _, att := range atts {
			stored := uniqueStoredName(att.Filename, seen)
			key, err := p.store.Save(ctx, email.MessageID, stored, att.ContentType, att.Data)
			if err != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("saving attachment %q: %w", att.Filename, err)
			}
			link := &Attachment{
				MessageID:   email.MessageID,
				Filename:    att.Filename,
				StoredName:  stored,
				ContentType: att.ContentType,
				SizeBytes:   int64(len(att.Data)),
				StorageKey:  key,
			}
			if err := tx.LinkAttachment(ctx, link); err != nil {
				_ = tx.Rollback()
				return nil, fmt.Errorf("linking attachment %q: %w", att.Filename, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ingest: %w", err)
	}
	return res, nil
}

// deliverStored attempts delivery of a persisted, undelivered message.
// Returns true only when the sink acknowledged and delivered was marked.
func (p *Pipeline) deliverStored(ctx context.Context, email *EmailMessage, attempted map[string]bool) bool {
	if attempted[email.MessageID] {
		return false
	}
	attempted[email.MessageID] = true

	// Idempotence guard: a prior partial success may have marked the row.
	delivered, err := p.repo.IsDelivered(ctx, email.MessageID)
	if err != nil {
		p.logger.Error("Failed to check delivery status",
			zap.String("message_id", email.MessageID), zap.Error(err))
		return false
	}
	if delivered {
		return false
	}

	ok, err := p.repo.AcquireDeliveryLock(ctx, email.MessageID, p.opts.DeliveryLockTTL)
	if err != nil {
		p.logger.Error("Failed to acquire delivery lock",
			zap.String("message_id", email.MessageID), zap.Error(err))
		return false
	}
	if !ok {
		p.logger.Debug("Delivery lock held elsewhere, skipping",
			zap.String("message_id", email.MessageID))
		return false
	}
	defer func() {
		if err := p.repo.ReleaseDeliveryLock(ctx, email.MessageID); err != nil {
			p.logger.Warn("Failed to release delivery lock",
				zap.String("message_id", email.MessageID), zap.Error(err))
		}
	}()

	atts, err := p.repo.ListAttachments(ctx, email.MessageID)
	if err != nil {
		p.logger.Error("Failed to list attachments for delivery",
			zap.String("message_id", email.MessageID), zap.Error(err))
		return false
	}
	urls := make([]string, 0, len(atts))
	for _, att := range atts {
		urls = append(urls, p.store.PublicURL(att.StorageKey))
	}

	receipt, err := p.delivery.Deliver(ctx, email, urls)
	if err != nil {
		p.logger.Error("Delivery failed",
			zap.String("message_id", email.MessageID), zap.Error(err))
		if histErr := p.repo.AppendHistory(ctx, email.MessageID, HistoryStatusError,
			fmt.Sprintf("delivery failed: %v", err)); histErr != nil {
			p.logger.Warn("Failed to append history", zap.Error(histErr))
		}
		return false
	}

	if err := p.repo.MarkDelivered(ctx, email.MessageID); err != nil {
		p.logger.Error("Failed to mark message delivered",
			zap.String("message_id", email.MessageID), zap.Error(err))
		return false
	}
	if err := p.repo.AppendHistory(ctx, email.MessageID, HistoryStatusSuccess,
		fmt.Sprintf("delivered to flow %s", receipt.FlowID)); err != nil {
		p.logger.Warn("Failed to append history", zap.Error(err))
	}

	p.logger.Info("Message delivered",
		zap.String("message_id", email.MessageID),
		zap.String("flow_id", receipt.FlowID))
	return true
}

// sweepUndelivered re-attempts delivery of stored rows that previous runs
// left undelivered. Messages already attempted in this run are skipped.
func (p *Pipeline) sweepUndelivered(ctx context.Context, report *RunReport, attempted map[string]bool) {
	if p.opts.SweepLimit <= 0 {
		return
	}

	emails, err := p.repo.ListUndelivered(ctx, p.opts.SweepLimit)
	if err != nil {
		p.logger.Error("Failed to list undelivered messages", zap.Error(err))
		report.Errors++
		return
	}

	for _, email := range emails {
		if attempted[email.MessageID] {
			continue
		}
		p.logState(report, StateDelivering)
		if p.deliverStored(ctx, email, attempted) {
			report.Delivered++
		}
	}
}

func (p *Pipeline) flagProcessed(ctx context.Context, uid uint32) {
	if err := p.mailbox.MarkProcessed(ctx, uid); err != nil {
		// Not fatal: the message is durable, a rerun is absorbed by dedup.
		p.logger.Warn("Failed to flag message as processed",
			zap.Uint32("uid", uid), zap.Error(err))
	}
}

func (p *Pipeline) logState(report *RunReport, state RunState) {
	p.logger.Debug("Pipeline state",
		zap.String("run_id", report.RunID),
		zap.String("state", string(state)))
}

// tryAcquireRun claims the single-flight slot. A slot older than the stuck
// ceiling is forcibly reset, trading strict mutual exclusion for
// availability.
func (p *Pipeline) tryAcquireRun() (int64, bool) {
	for {
		now := p.now().UnixNano()
		cur := p.runStart.Load()
		if cur == 0 {
			if p.runStart.CompareAndSwap(0, now) {
				return now, true
			}
			continue
		}
		if now-cur < p.opts.StuckRunTimeout.Nanoseconds() {
			return 0, false
		}
		if p.runStart.CompareAndSwap(cur, now) {
			p.logger.Warn("Force-resetting stuck ingestion run",
				zap.Time("stuck_since", time.Unix(0, cur)))
			return now, true
		}
	}
}

func (p *Pipeline) releaseRun(token int64) {
	// Only clear the slot if it is still ours; a stuck-run takeover may
	// have replaced the token.
	p.runStart.CompareAndSwap(token, 0)
}

func storedFromInbound(msg *InboundMessage, identity string) *EmailMessage {
	return &EmailMessage{
		MessageID:  identity,
		Subject:    msg.Subject,
		From:       msg.From,
		To:         msg.To,
		Cc:         msg.Cc,
		TextBody:   msg.TextBody,
		HTMLBody:   msg.HTMLBody,
		ReceivedAt: msg.ReceivedAt,
		UID:        msg.UID,
	}
}

// uniqueStoredName sanitizes a filename and disambiguates collisions within
// one message so two attachments never share a storage key.
func uniqueStoredName(filename string, seen map[string]int) string {
	name := utils.SanitizeFilename(filename)
	seen[name]++
	if seen[name] > 1 {
		name = fmt.Sprintf("%d-%s", seen[name], name)
	}
	return name
}
