package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mailflow-ingest/internal/core"
)

type fakeRunner struct {
	calls  atomic.Int32
	report *core.RunReport
	err    error
}

func (r *fakeRunner) Run(ctx context.Context) (*core.RunReport, error) {
	r.calls.Add(1)
	return r.report, r.err
}

func newTestService(runner *fakeRunner, token string) *Service {
	return NewService(runner, Options{
		Interval:      time.Hour,
		ListenAddress: "127.0.0.1:0",
		AuthToken:     token,
	}, zap.NewNop())
}

func TestHandleRun_ReturnsReport(t *testing.T) {
	runner := &fakeRunner{report: &core.RunReport{RunID: "run-1", Ingested: 2}}
	s := newTestService(runner, "")

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report core.RunReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.RunID != "run-1" || report.Ingested != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestHandleRun_RequiresBearerToken(t *testing.T) {
	runner := &fakeRunner{report: &core.RunReport{}}
	s := newTestService(runner, "hunter2")

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/run", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.handleRun(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with wrong token = %d, want 401", rec.Code)
	}
	if runner.calls.Load() != 0 {
		t.Error("unauthorized requests must not trigger a run")
	}

	req = httptest.NewRequest(http.MethodPost, "/run", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	rec = httptest.NewRecorder()
	s.handleRun(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with valid token = %d, want 200", rec.Code)
	}
}

func TestHandleRun_ConflictWhileRunInProgress(t *testing.T) {
	runner := &fakeRunner{err: core.ErrRunInProgress}
	s := newTestService(runner, "")

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleRun_FailedRunReturns500WithReport(t *testing.T) {
	runner := &fakeRunner{
		report: &core.RunReport{RunID: "run-1", Failure: "mailbox connection error"},
		err:    errors.New("mailbox connection error"),
	}
	s := newTestService(runner, "")

	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var report core.RunReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Failure == "" {
		t.Error("expected failure detail in the report body")
	}
}

func TestStartStop_RunsImmediately(t *testing.T) {
	runner := &fakeRunner{report: &core.RunReport{}}
	s := newTestService(runner, "")

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runner.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected an immediate scheduled run after Start")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
