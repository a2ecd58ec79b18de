package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/classify"
	"github.com/mikey/mailflow-ingest/internal/config"
	"github.com/mikey/mailflow-ingest/internal/core"
	"github.com/mikey/mailflow-ingest/internal/factory"
	"github.com/mikey/mailflow-ingest/internal/logging"
	"github.com/mikey/mailflow-ingest/internal/ports"
)

// BuildContainer creates and configures a dependency injection container
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
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
	if err := container.Provide(factory.NewTriggerFactory); err != nil {
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
	if err := container.Provide(func(p *core.Pipeline) ports.Runner { return p }); err != nil {
		return nil, err
	}

	// Register run trigger
	if err := container.Provide(func(f *factory.TriggerFactory, runner ports.Runner) (ports.RunTrigger, error) {
		return f.CreateRunTrigger(runner)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
