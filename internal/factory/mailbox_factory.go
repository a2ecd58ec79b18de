package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/adapters/imapbox"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/core"
)

// MailboxFactory creates mailbox clients based on configuration
type MailboxFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewMailboxFactory creates a new mailbox factory
func NewMailboxFactory(cfg *config.Config, logger *zap.Logger) *MailboxFactory {
	return &MailboxFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateMailboxClient creates a mailbox client based on the configuration
func (f *MailboxFactory) CreateMailboxClient() (core.MailboxClient, error) {
	connectTimeout, err := f.cfg.GetDuration("imap.connect_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid imap connect timeout: %w", err)
	}
	authTimeout, err := f.cfg.GetDuration("imap.auth_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid imap auth timeout: %w", err)
	}
	flagTimeout, err := f.cfg.GetDuration("imap.flag_timeout")
	if err != nil {
		return nil, fmt.Errorf("invalid imap flag timeout: %w", err)
	}

	return imapbox.NewClient(imapbox.Options{
		Host:               f.cfg.GetString("imap.host"),
		Port:               f.cfg.GetInt("imap.port"),
		Username:           f.cfg.GetString("imap.username"),
		Password:           f.cfg.GetString("imap.password"),
		UseTLS:             f.cfg.GetBool("imap.use_tls"),
		InsecureSkipVerify: f.cfg.GetBool("imap.insecure_skip_verify"),
		ConnectTimeout:     connectTimeout,
		AuthTimeout:        authTimeout,
		FlagTimeout:        flagTimeout,
	}, f.logger)
}
