package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/core"
	"github.com/mikey/mailflow-ingest/internal/ports"
)

// Options holds the trigger settings.
type Options struct {
	Interval      time.Duration
	ListenAddress string
	AuthToken     string
}

// Service starts ingestion runs on a fixed interval and on demand through
// an authenticated HTTP endpoint. Concurrent triggers are safe: the
// pipeline's single-flight guard absorbs overlap.
type Service struct {
	runner ports.Runner
	opts   Options
	logger *zap.Logger
	server *http.Server
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewService creates a new run trigger service
func NewService(runner ports.Runner, opts Options, logger *zap.Logger) *Service {
	if opts.Interval <= 0 {
		opts.Interval = 90 * time.Second
	}

	s := &Service{
		runner: runner,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	s.server = &http.Server{
		Addr:    opts.ListenAddress,
		Handler: mux,
	}

	return s
}

// Start launches the interval scheduler and the HTTP trigger listener.
func (s *Service) Start() error {
	go s.scheduleLoop()

	go func() {
		s.logger.Info("Trigger endpoint listening", zap.String("address", s.opts.ListenAddress))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Trigger endpoint failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts down the scheduler and the HTTP listener.
func (s *Service) Stop() error {
	close(s.stopCh)
	<-s.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Service) scheduleLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// First run immediately rather than waiting one interval.
	s.runScheduled()

	for {
		select {
		case <-ticker.C:
			s.runScheduled()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) runScheduled() {
	if _, err := s.runner.Run(context.Background()); err != nil {
		if errors.Is(err, core.ErrRunInProgress) {
			s.logger.Debug("Scheduled run skipped, another run in progress")
			return
		}
		s.logger.Error("Scheduled ingestion run failed", zap.Error(err))
	}
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	report, err := s.runner.Run(r.Context())
	if errors.Is(err, core.ErrRunInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if encErr := json.NewEncoder(w).Encode(report); encErr != nil {
		s.logger.Warn("Failed to encode run report", zap.Error(encErr))
	}
}

func (s *Service) authorized(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AuthToken)) == 1
}
