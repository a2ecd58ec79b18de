package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mikey/mailflow-ingest/internal/core"
	"github.com/mikey/mailflow-ingest/internal/di"
	"go.uber.org/zap"
)

func main() {
	flags := di.ParseFlags()

	container, err := di.BuildCLIContainer(flags)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	if err := container.Invoke(runOnce); err != nil {
		fmt.Printf("Ingestion error: %v\n", err)
		os.Exit(1)
	}
}

// runOnce executes a single ingestion pass and prints the run report
func runOnce(
	logger *zap.Logger,
	pipeline *core.Pipeline,
	repo core.EmailRepository,
) error {
	defer logger.Sync()
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("Failed to close repository", zap.Error(err))
		}
	}()

	report, err := pipeline.Run(context.Background())
	if report != nil {
		out, encErr := json.MarshalIndent(report, "", "  ")
		if encErr == nil {
			fmt.Println(string(out))
		}
	}
	return err
}
