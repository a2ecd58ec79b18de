package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/adapters/storage"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/core"
)

// PipelineFactory creates the ingestion pipeline and its attachment store
type PipelineFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewPipelineFactory creates a new pipeline factory
func NewPipelineFactory(cfg *config.Config, logger *zap.Logger) *PipelineFactory {
	return &PipelineFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateAttachmentStore creates the filesystem attachment store
func (f *PipelineFactory) CreateAttachmentStore() (core.AttachmentStore, error) {
	return storage.NewFileStore(
		f.cfg.GetString("storage.dir"),
		f.cfg.GetString("storage.base_url"),
		f.logger,
	)
}

// CreatePipeline creates the ingestion pipeline
func (f *PipelineFactory) CreatePipeline(
	mailbox core.MailboxClient,
	repo core.EmailRepository,
	store core.AttachmentStore,
	delivery core.DeliveryClient,
	classifier core.SenderClassifier,
) (*core.Pipeline, error) {
	stuckRunTimeout, err := f.cfg.GetDuration("pipeline.stuck_run_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid stuck run timeout: %w", err)
	}
	deliveryLockTTL, err := f.cfg.GetDuration("pipeline.delivery_lock_ttl")
	if err != nil {
		return nil, fmt.Errorf("invalid delivery lock ttl: %w", err)
	}

	return core.NewPipeline(mailbox, repo, store, delivery, classifier, f.logger, core.PipelineOptions{
		MailboxName:     f.cfg.GetString("imap.mailbox"),
		BatchSize:       f.cfg.GetInt("imap.batch_size"),
		StuckRunTimeout: stuckRunTimeout,
		DeliveryLockTTL: deliveryLockTTL,
		SweepLimit:      f.cfg.GetInt("pipeline.undelivered_sweep_limit"),
	}), nil
}
