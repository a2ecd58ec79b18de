package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// --- fakes -----------------------------------------------------------------

type fakeMailbox struct {
	msgs       []*InboundMessage
	flagged    map[uint32]bool
	connectErr error
	connected  bool
	selected   string
}

func newFakeMailbox(msgs ...*InboundMessage) *fakeMailbox {
	return &fakeMailbox{msgs: msgs, flagged: make(map[uint32]bool)}
}

func (m *fakeMailbox) Connect(ctx context.Context) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *fakeMailbox) SelectMailbox(ctx context.Context, name string) error {
	m.selected = name
	return nil
}

func (m *fakeMailbox) SearchUnprocessed(ctx context.Context) ([]uint32, error) {
	var uids []uint32
	for _, msg := range m.msgs {
		if !m.flagged[msg.UID] {
			uids = append(uids, msg.UID)
		}
	}
	return uids, nil
}

func (m *fakeMailbox) FetchBatch(ctx context.Context, uids []uint32) ([]*InboundMessage, error) {
	want := make(map[uint32]bool, len(uids))
	for _, uid := range uids {
		want[uid] = true
	}
	var out []*InboundMessage
	for _, msg := range m.msgs {
		if want[msg.UID] {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *fakeMailbox) MarkProcessed(ctx context.Context, uid uint32) error {
	m.flagged[uid] = true
	return nil
}

func (m *fakeMailbox) Disconnect() error {
	m.connected = false
	return nil
}

type historyRec struct {
	messageID string
	status    string
	detail    string
}

type fakeRepo struct {
	mu      sync.Mutex
	emails  map[string]*EmailMessage
	atts    map[string][]*Attachment
	history []historyRec
	locks   map[string]time.Time
	nextID  int64
	busyIDs map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		emails:  make(map[string]*EmailMessage),
		atts:    make(map[string][]*Attachment),
		locks:   make(map[string]time.Time),
		busyIDs: make(map[string]bool),
	}
}

func (r *fakeRepo) seed(email *EmailMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	email.ID = r.nextID
	r.emails[email.MessageID] = email
}

func (r *fakeRepo) BeginIngest(ctx context.Context, identity string) (IngestTx, error) {
	if r.busyIDs[identity] {
		return nil, ErrBusy
	}
	return &fakeTx{repo: r}, nil
}

func (r *fakeRepo) IsDelivered(ctx context.Context, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email, ok := r.emails[messageID]; ok {
		return email.Delivered, nil
	}
	return false, nil
}

func (r *fakeRepo) MarkDelivered(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if email, ok := r.emails[messageID]; ok {
		email.Delivered = true
	}
	return nil
}

func (r *fakeRepo) AppendHistory(ctx context.Context, messageID, status, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, historyRec{messageID, status, detail})
	return nil
}

func (r *fakeRepo) ListUndelivered(ctx context.Context, limit int) ([]*EmailMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*EmailMessage
	for _, email := range r.emails {
		if !email.Delivered && len(out) < limit {
			out = append(out, email)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAttachments(ctx context.Context, messageID string) ([]*Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.atts[messageID], nil
}

func (r *fakeRepo) AcquireDeliveryLock(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if until, ok := r.locks[messageID]; ok && now.Before(until) {
		return false, nil
	}
	r.locks[messageID] = now.Add(ttl)
	return true, nil
}

func (r *fakeRepo) ReleaseDeliveryLock(ctx context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, messageID)
	return nil
}

func (r *fakeRepo) Close() error { return nil }

type fakeTx struct {
	repo        *fakeRepo
	pending     *EmailMessage
	pendingAtts []*Attachment
	done        bool
}

func (t *fakeTx) InsertOrGetExisting(ctx context.Context, msg *EmailMessage) (*IngestResult, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if existing, ok := t.repo.emails[msg.MessageID]; ok {
		return &IngestResult{ID: existing.ID, IsNew: false, Delivered: existing.Delivered}, nil
	}
	t.repo.nextID++
	clone := *msg
	clone.ID = t.repo.nextID
	t.pending = &clone
	return &IngestResult{ID: clone.ID, IsNew: true, Delivered: false}, nil
}

func (t *fakeTx) LinkAttachment(ctx context.Context, att *Attachment) error {
	t.pendingAtts = append(t.pendingAtts, att)
	return nil
}

func (t *fakeTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.pending != nil {
		t.repo.emails[t.pending.MessageID] = t.pending
		t.repo.atts[t.pending.MessageID] = append(t.repo.atts[t.pending.MessageID], t.pendingAtts...)
	}
	return nil
}

func (t *fakeTx) Rollback() error {
	t.done = true
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	saved     map[string][]byte
	failNames map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string][]byte), failNames: make(map[string]bool)}
}

func (s *fakeStore) Save(ctx context.Context, messageID, filename, contentType string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNames[filename] {
		return "", errors.New("disk full")
	}
	key := messageID + "_" + filename
	s.saved[key] = data
	return key, nil
}

func (s *fakeStore) PublicURL(storageKey string) string {
	return "http://files.local/attachments/" + storageKey
}

type fakeDelivery struct {
	mu     sync.Mutex
	calls  []string
	urls   map[string][]string
	err    error
	flowID string
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{urls: make(map[string][]string), flowID: "F1"}
}

func (d *fakeDelivery) Deliver(ctx context.Context, msg *EmailMessage, attachmentURLs []string) (*DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, msg.MessageID)
	d.urls[msg.MessageID] = attachmentURLs
	if d.err != nil {
		return nil, d.err
	}
	return &DeliveryReceipt{FlowID: d.flowID}, nil
}

// --- helpers ---------------------------------------------------------------

type pipelineFixture struct {
	mailbox  *fakeMailbox
	repo     *fakeRepo
	store    *fakeStore
	delivery *fakeDelivery
	pipeline *Pipeline
}

func newFixture(msgs ...*InboundMessage) *pipelineFixture {
	f := &pipelineFixture{
		mailbox:  newFakeMailbox(msgs...),
		repo:     newFakeRepo(),
		store:    newFakeStore(),
		delivery: newFakeDelivery(),
	}
	classifier := staticClassifier{"robotpos.noreply@robotpos.com": true}
	f.pipeline = NewPipeline(f.mailbox, f.repo, f.store, f.delivery, classifier,
		zap.NewNop(), PipelineOptions{BatchSize: 2, SweepLimit: 10})
	return f
}

func inbound(uid uint32, messageID string, atts ...InboundAttachment) *InboundMessage {
	return &InboundMessage{
		UID:         uid,
		MessageID:   messageID,
		Subject:     fmt.Sprintf("subject %d", uid),
		From:        "someone@example.com",
		To:          []string{"inbox@company.example"},
		TextBody:    "body",
		ReceivedAt:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Attachments: atts,
	}
}

// --- tests -----------------------------------------------------------------

func TestRun_IngestsDeliversAndFlags(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1", InboundAttachment{
		Filename:    "invoice.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4"),
	}))

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Searched != 1 || report.Ingested != 1 || report.Delivered != 1 {
		t.Errorf("report = searched %d ingested %d delivered %d, want 1/1/1",
			report.Searched, report.Ingested, report.Delivered)
	}

	email, ok := f.repo.emails["MSG-1"]
	if !ok {
		t.Fatal("expected MSG-1 to be persisted")
	}
	if !email.Delivered {
		t.Error("expected MSG-1 to be marked delivered")
	}

	atts := f.repo.atts["MSG-1"]
	if len(atts) != 1 {
		t.Fatalf("attachment rows = %d, want 1", len(atts))
	}
	if atts[0].StoredName != "invoice.pdf" || atts[0].StorageKey != "MSG-1_invoice.pdf" {
		t.Errorf("attachment = %q / %q, want invoice.pdf / MSG-1_invoice.pdf",
			atts[0].StoredName, atts[0].StorageKey)
	}
	if _, ok := f.store.saved["MSG-1_invoice.pdf"]; !ok {
		t.Error("expected attachment bytes to be written to the store")
	}

	urls := f.delivery.urls["MSG-1"]
	if len(urls) != 1 || urls[0] != "http://files.local/attachments/MSG-1_invoice.pdf" {
		t.Errorf("delivery attachment urls = %v", urls)
	}

	if len(f.repo.history) != 1 || f.repo.history[0].status != HistoryStatusSuccess {
		t.Errorf("history = %+v, want one success entry", f.repo.history)
	}
	if !f.mailbox.flagged[1] {
		t.Error("expected UID 1 to be flagged processed")
	}
}

func TestRun_SanitizesStoredAttachmentNames(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1",
		InboundAttachment{Filename: "rapor günü.pdf", Data: []byte("a")},
		InboundAttachment{Filename: "rapor günü.pdf", Data: []byte("b")},
	))

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	atts := f.repo.atts["MSG-1"]
	if len(atts) != 2 {
		t.Fatalf("attachment rows = %d, want 2", len(atts))
	}
	if atts[0].StoredName != "rapor_g_n_.pdf" {
		t.Errorf("first stored name = %q, want %q", atts[0].StoredName, "rapor_g_n_.pdf")
	}
	if atts[1].StoredName != "2-rapor_g_n_.pdf" {
		t.Errorf("colliding stored name = %q, want %q", atts[1].StoredName, "2-rapor_g_n_.pdf")
	}
	if atts[0].StorageKey == atts[1].StorageKey {
		t.Error("colliding attachments must not share a storage key")
	}
}

func TestRun_AttachmentFailureRollsBack(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1",
		InboundAttachment{Filename: "ok.pdf", Data: []byte("a")},
		InboundAttachment{Filename: "bad.pdf", Data: []byte("b")},
	))
	f.store.failNames["bad.pdf"] = true

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Errors != 1 || report.Ingested != 0 {
		t.Errorf("report = errors %d ingested %d, want 1/0", report.Errors, report.Ingested)
	}
	if _, ok := f.repo.emails["MSG-1"]; ok {
		t.Error("expected no committed row after attachment failure")
	}
	if len(f.delivery.calls) != 0 {
		t.Error("expected no delivery attempt after rollback")
	}
	if f.mailbox.flagged[1] {
		t.Error("message must stay unflagged so the next run retries it")
	}
}

func TestRun_DuplicateDeliveredSkipsSink(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1"))
	f.repo.seed(&EmailMessage{MessageID: "MSG-1", Delivered: true})

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Duplicates != 1 || report.Ingested != 0 {
		t.Errorf("report = duplicates %d ingested %d, want 1/0", report.Duplicates, report.Ingested)
	}
	if len(f.delivery.calls) != 0 {
		t.Errorf("delivery calls = %v, want none for a delivered duplicate", f.delivery.calls)
	}
	if !f.mailbox.flagged[1] {
		t.Error("duplicate must still be flagged processed")
	}
}

func TestRun_DuplicateUndeliveredRedelivers(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1"))
	f.repo.seed(&EmailMessage{MessageID: "MSG-1", Delivered: false})

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Duplicates != 1 || report.Delivered != 1 {
		t.Errorf("report = duplicates %d delivered %d, want 1/1", report.Duplicates, report.Delivered)
	}
	if len(f.delivery.calls) != 1 {
		t.Fatalf("delivery calls = %d, want exactly 1", len(f.delivery.calls))
	}
	if !f.repo.emails["MSG-1"].Delivered {
		t.Error("expected redelivered duplicate to be marked delivered")
	}
}

func TestRun_BusyMessageSkipped(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1"))
	f.repo.busyIDs["MSG-1"] = true

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Skipped != 1 || report.Errors != 0 {
		t.Errorf("report = skipped %d errors %d, want 1/0", report.Skipped, report.Errors)
	}
	if f.mailbox.flagged[1] {
		t.Error("busy message must stay unflagged for the next run")
	}
}

func TestRun_UndeterminableIdentityFlaggedAndSkipped(t *testing.T) {
	msg := inbound(7, "")
	msg.From = "human@example.com"
	f := newFixture(msg)

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Skipped != 1 {
		t.Errorf("report.Skipped = %d, want 1", report.Skipped)
	}
	if len(f.repo.emails) != 0 {
		t.Error("expected no persisted row for an unidentifiable message")
	}
	if !f.mailbox.flagged[7] {
		t.Error("unidentifiable message must be flagged so it is not re-seen every run")
	}
}

func TestRun_DeliveryFailureRecordedAndRetriedBySweep(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1"))
	f.delivery.err = errors.New("flow unreachable")

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Ingested != 1 || report.Delivered != 0 {
		t.Errorf("report = ingested %d delivered %d, want 1/0", report.Ingested, report.Delivered)
	}
	if f.repo.emails["MSG-1"].Delivered {
		t.Error("failed delivery must not mark the row delivered")
	}
	if len(f.repo.history) != 1 || f.repo.history[0].status != HistoryStatusError {
		t.Errorf("history = %+v, want one error entry", f.repo.history)
	}
	if !f.mailbox.flagged[1] {
		t.Error("persisted message is flagged even when delivery fails")
	}
	// Single delivery attempt per run, even with the sweep at the end.
	if len(f.delivery.calls) != 1 {
		t.Errorf("delivery calls = %d, want 1", len(f.delivery.calls))
	}

	// Next run: nothing unprocessed in the mailbox, the sweep picks it up.
	f.delivery.err = nil
	report, err = f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if report.Delivered != 1 {
		t.Errorf("sweep delivered = %d, want 1", report.Delivered)
	}
	if !f.repo.emails["MSG-1"].Delivered {
		t.Error("expected sweep to mark the row delivered")
	}
}

func TestRun_DeliveryLockHeldElsewhere(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1"))
	f.repo.locks["MSG-1"] = time.Now().Add(time.Minute)

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Delivered != 0 {
		t.Errorf("report.Delivered = %d, want 0 while lock is held", report.Delivered)
	}
	if len(f.delivery.calls) != 0 {
		t.Error("expected no delivery while another process holds the lock")
	}
}

func TestRun_SingleFlight(t *testing.T) {
	f := newFixture()
	f.pipeline.runStart.Store(time.Now().UnixNano())

	_, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, ErrRunInProgress) {
		t.Errorf("error = %v, want ErrRunInProgress", err)
	}
}

func TestRun_StuckRunTakenOver(t *testing.T) {
	f := newFixture()
	// Default stuck ceiling is five minutes; simulate a run that died long ago.
	f.pipeline.runStart.Store(time.Now().Add(-10 * time.Minute).UnixNano())

	if _, err := f.pipeline.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want stuck slot to be taken over", err)
	}
	if f.pipeline.runStart.Load() != 0 {
		t.Error("expected run slot to be released after completion")
	}
}

func TestRun_ConnectErrorAbortsRun(t *testing.T) {
	f := newFixture(inbound(1, "MSG-1"))
	f.mailbox.connectErr = errors.New("dial tcp: refused")

	report, err := f.pipeline.Run(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection", err)
	}
	if report == nil || report.Failure == "" {
		t.Error("expected a report with the failure recorded")
	}
}

func TestRun_BatchesProcessedSequentially(t *testing.T) {
	f := newFixture(
		inbound(1, "MSG-1"),
		inbound(2, "MSG-2"),
		inbound(3, "MSG-3"),
	)

	report, err := f.pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.Searched != 3 || report.Ingested != 3 || report.Delivered != 3 {
		t.Errorf("report = searched %d ingested %d delivered %d, want 3/3/3",
			report.Searched, report.Ingested, report.Delivered)
	}
	for uid := uint32(1); uid <= 3; uid++ {
		if !f.mailbox.flagged[uid] {
			t.Errorf("expected UID %d to be flagged", uid)
		}
	}
}
