package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/adapters/trigger"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/ports"
)

// TriggerFactory creates run trigger services based on configuration
type TriggerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewTriggerFactory creates a new trigger factory
func NewTriggerFactory(cfg *config.Config, logger *zap.Logger) *TriggerFactory {
	return &TriggerFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRunTrigger creates the scheduler plus HTTP trigger service
func (f *TriggerFactory) CreateRunTrigger(runner ports.Runner) (ports.RunTrigger, error) {
	interval, err := f.cfg.GetDuration("pipeline.interval")
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline interval: %w", err)
	}

	return trigger.NewService(runner, trigger.Options{
		Interval:      interval,
		ListenAddress: f.cfg.GetString("trigger.listen_address"),
		AuthToken:     f.cfg.GetString("trigger.auth_token"),
	}, f.logger), nil
}
