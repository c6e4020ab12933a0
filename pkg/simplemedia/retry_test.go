package simplemedia

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	transient := errors.New("connection reset")

	tests := []struct {
		name      string
		failures  int
		failWith  error
		wantCalls int
		wantErr   error
	}{
		{"succeeds first time", 0, transient, 1, nil},
		{"recovers after transient errors", 2, transient, 3, nil},
		{"gives up after max attempts", 10, transient, 3, transient},
		{"missing object is permanent", 10, fmt.Errorf("download: %w", ErrObjectNotFound), 1, ErrObjectNotFound},
		{"deadline is permanent", 10, context.DeadlineExceeded, 1, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := policy.do(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.do(context.Background(), func() error {
		calls++
		return errors.New("nope")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
