package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/adapters/flowapi"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/core"
)

// DeliveryFactory creates delivery clients based on configuration
type DeliveryFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewDeliveryFactory creates a new delivery factory
func NewDeliveryFactory(cfg *config.Config, logger *zap.Logger) *DeliveryFactory {
	return &DeliveryFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateDeliveryClient creates a Flow delivery client based on the configuration
func (f *DeliveryFactory) CreateDeliveryClient(classifier core.SenderClassifier) (core.DeliveryClient, error) {
	baseDelay, err := f.cfg.GetDuration("flow.base_delay")
	if err != nil {
		return nil, fmt.Errorf("invalid flow base delay: %w", err)
	}
	maxDelay, err := f.cfg.GetDuration("flow.max_delay")
	if err != nil {
		return nil, fmt.Errorf("invalid flow max delay: %w", err)
	}
	timeout, err := f.cfg.GetDuration("flow.timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid flow timeout: %w", err)
	}
	attemptTimeout, err := f.cfg.GetDuration("flow.attempt_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid flow attempt timeout: %w", err)
	}

	return flowapi.NewClient(flowapi.Options{
		BaseURL:           f.cfg.GetString("flow.base_url"),
		APIKey:            f.cfg.GetString("flow.api_key"),
		AutomatedEndpoint: f.cfg.GetString("flow.automated_endpoint"),
		DefaultEndpoint:   f.cfg.GetString("flow.default_endpoint"),
		MaxInFlight:       int64(f.cfg.GetInt("flow.max_in_flight")),
		MaxAttempts:       f.cfg.GetInt("flow.max_attempts"),
		BaseDelay:         baseDelay,
		MaxDelay:          maxDelay,
		Timeout:           timeout,
		AttemptTimeout:    attemptTimeout,
	}, classifier, f.logger)
}
