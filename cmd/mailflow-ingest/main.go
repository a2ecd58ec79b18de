package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikey/mailflow-ingest/internal/core"
	"github.com/mikey/mailflow-ingest/internal/di"
	"github.com/mikey/mailflow-ingest/internal/ports"
	"go.uber.org/zap"
)

func main() {
	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	logger *zap.Logger,
	trigger ports.RunTrigger,
	repo core.EmailRepository,
) error {
	defer logger.Sync()

	// Start the trigger service
	if err := trigger.Start(); err != nil {
		logger.Fatal("Failed to start trigger service", zap.Error(err))
		return err
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	// Stop the trigger service
	if err := trigger.Stop(); err != nil {
		logger.Error("Failed to stop trigger service", zap.Error(err))
	}

	// Close the repository
	if err := repo.Close(); err != nil {
		logger.Error("Failed to close repository", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}
