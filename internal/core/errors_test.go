package core

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryableDelivery(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rejected", ErrDeliveryRejected, false},
		{"wrapped rejected", fmt.Errorf("%w: status 400", ErrDeliveryRejected), false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"wrapped net timeout", fmt.Errorf("posting to flow: %w", timeoutErr{}), true},
		{"conn reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"broken pipe", syscall.EPIPE, true},
		{"generic", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableDelivery(tt.err); got != tt.want {
				t.Errorf("IsRetryableDelivery(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
