package ports

import (
	"context"

	"github.com/mikey/mailflow-ingest/internal/core"
)

// Runner executes one ingestion run on demand.
type Runner interface {
	Run(ctx context.Context) (*core.RunReport, error)
}

// RunTrigger defines the outer surface that starts ingestion runs, on a
// timer and on demand.
type RunTrigger interface {
	// Start starts the trigger service
	Start() error

	// Stop stops the trigger service
	Stop() error
}
