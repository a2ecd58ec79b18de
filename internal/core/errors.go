package core

import (
	"context"
	"errors"
	"net"
	"syscall"
)

var (
	// ErrConnection indicates the mailbox session is unavailable. It aborts
	// the whole run.
	ErrConnection = errors.New("mailbox connection error")

	// ErrIdentityUndeterminable indicates a message with no native id from a
	// sender that is not a known automated source. The message is skipped.
	ErrIdentityUndeterminable = errors.New("message identity undeterminable")

	// ErrBusy indicates another process holds the lock for this identity.
	// The message is skipped for this pass; correctness does not depend on
	// this process winning the race.
	ErrBusy = errors.New("message is being handled by a concurrent run")

	// ErrDeliveryRejected indicates an application-level rejection from the
	// delivery sink. It is not retried.
	ErrDeliveryRejected = errors.New("delivery rejected by sink")

	// ErrRunInProgress indicates a pipeline run is already executing.
	ErrRunInProgress = errors.New("ingestion run already in progress")
)

// IsRetryableDelivery reports whether a delivery error is in the
// timeout/connection-reset class worth retrying. Application-level
// rejections are never retryable.
func IsRetryableDelivery(err error) bool {
	if err == nil || errors.Is(err, ErrDeliveryRejected) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
