package di

import (
	"flag"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/classify"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/core"
	"github.com/mikey/mailflow-ingest/internal/factory"
	"github.com/mikey/mailflow-ingest/internal/logging"
)

// CLIFlags contains all command line flags for the one-shot CLI
type CLIFlags struct {
	// IMAP flags
	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
	Mailbox      string

	// Database flags
	DBDriver   string
	MySQLDSN   string
	SQLitePath string

	// Flow flags
	FlowBaseURL string
	FlowAPIKey  string

	// Storage flags
	StorageDir     string
	StorageBaseURL string

	// Input flags
	Verbose    bool
	JSONLog    bool
	ConfigFile string
}

// ParseFlags parses command line flags and returns a CLIFlags struct
func ParseFlags() *CLIFlags {
	flags := &CLIFlags{}

	// IMAP flags
	flag.StringVar(&flags.IMAPHost, "imap-host", "", "IMAP server host")
	flag.IntVar(&flags.IMAPPort, "imap-port", 993, "IMAP server port")
	flag.StringVar(&flags.IMAPUsername, "imap-user", "", "IMAP username")
	flag.StringVar(&flags.IMAPPassword, "imap-password", "", "IMAP password")
	flag.StringVar(&flags.Mailbox, "mailbox", "INBOX", "Mailbox to ingest")

	// Database flags
	flag.StringVar(&flags.DBDriver, "db-driver", "sqlite", "Database driver (mysql, sqlite)")
	flag.StringVar(&flags.MySQLDSN, "mysql-dsn", "", "MySQL DSN (requires parseTime=true)")
	flag.StringVar(&flags.SQLitePath, "sqlite-path", "./mailflow.db", "SQLite database path")

	// Flow flags
	flag.StringVar(&flags.FlowBaseURL, "flow-url", "", "Flow API base URL")
	flag.StringVar(&flags.FlowAPIKey, "flow-api-key", "", "Flow API shared secret")

	// Storage flags
	flag.StringVar(&flags.StorageDir, "storage-dir", "./attachments", "Attachment storage directory")
	flag.StringVar(&flags.StorageBaseURL, "storage-base-url", "http://localhost:8085", "Public base URL for attachments")

	// Input flags
	flag.BoolVar(&flags.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	flag.StringVar(&flags.ConfigFile, "config", "", "Path to config file (overrides command line flags)")

	flag.Parse()
	return flags
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		if flags.ConfigFile != "" {
			cfg, err := config.New()
			if err != nil {
				return nil, err
			}
			logger.Info("Loaded configuration from file", zap.String("file", cfg.GetViper().ConfigFileUsed()))
			return cfg, nil
		}

		// Create config from command line flags
		return createConfigFromFlags(flags), nil
	}); err != nil {
		return nil, err
	}

	// Register sender classifier
	if err := container.Provide(func(cfg *config.Config, logger *zap.Logger) core.SenderClassifier {
		return classify.NewClassifier(cfg.GetStringSlice("identity.automated_senders"), logger)
	}); err != nil {
		return nil, err
	}

	// Register factories
	if err := container.Provide(factory.NewRepositoryFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewMailboxFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewDeliveryFactory); err != nil {
		return nil, err
	}
	if err := container.Provide(factory.NewPipelineFactory); err != nil {
		return nil, err
	}

	// Register email repository
	if err := container.Provide(func(f *factory.RepositoryFactory) (core.EmailRepository, error) {
		return f.CreateEmailRepository()
	}); err != nil {
		return nil, err
	}

	// Register mailbox client
	if err := container.Provide(func(f *factory.MailboxFactory) (core.MailboxClient, error) {
		return f.CreateMailboxClient()
	}); err != nil {
		return nil, err
	}

	// Register attachment store
	if err := container.Provide(func(f *factory.PipelineFactory) (core.AttachmentStore, error) {
		return f.CreateAttachmentStore()
	}); err != nil {
		return nil, err
	}

	// Register delivery client
	if err := container.Provide(func(f *factory.DeliveryFactory, classifier core.SenderClassifier) (core.DeliveryClient, error) {
		return f.CreateDeliveryClient(classifier)
	}); err != nil {
		return nil, err
	}

	// Register ingestion pipeline
	if err := container.Provide(func(
		f *factory.PipelineFactory,
		mailbox core.MailboxClient,
		repo core.EmailRepository,
		store core.AttachmentStore,
		delivery core.DeliveryClient,
		classifier core.SenderClassifier,
	) (*core.Pipeline, error) {
		return f.CreatePipeline(mailbox, repo, store, delivery, classifier)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// createConfigFromFlags creates a configuration from command line flags
func createConfigFromFlags(flags *CLIFlags) *config.Config {
	v := config.NewEmptyViper()

	v.Set("imap.host", flags.IMAPHost)
	v.Set("imap.port", flags.IMAPPort)
	v.Set("imap.username", flags.IMAPUsername)
	v.Set("imap.password", flags.IMAPPassword)
	v.Set("imap.mailbox", flags.Mailbox)

	v.Set("database.driver", flags.DBDriver)
	if flags.MySQLDSN != "" {
		v.Set("database.mysql_dsn", flags.MySQLDSN)
	}
	v.Set("database.sqlite_path", flags.SQLitePath)

	if flags.FlowBaseURL != "" {
		v.Set("flow.base_url", flags.FlowBaseURL)
	}
	v.Set("flow.api_key", flags.FlowAPIKey)

	v.Set("storage.dir", flags.StorageDir)
	v.Set("storage.base_url", flags.StorageBaseURL)

	return config.NewFromViper(v)
}
