package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoRetry(t *testing.T) {
	tests := []struct {
		name     string
		errs     []error
		retries  int
		wantErr  error
		attempts int
	}{
		{"success first time", nil, 3, nil, 1},
		{"temporary then success", []error{ErrTemporary, ErrTemporary}, 3, nil, 3},
		{"gives up after retries", []error{ErrTemporary, ErrTemporary, ErrTemporary}, 2, ErrTemporary, 3},
		{"not retryable", []error{ErrNotFound}, 5, ErrNotFound, 1},
		{"interrupted is final", []error{ErrInterrupted}, 5, ErrInterrupted, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := AutoRetry(context.Background(), tt.retries, 0, func() error {
				calls++
				if calls <= len(tt.errs) {
					return &PathError{Op: "test", Path: "/p", Err: tt.errs[calls-1]}
				}
				return nil
			})
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.attempts, calls)
		})
	}
}

func TestAutoRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := AutoRetry(ctx, 10, time.Hour, func() error {
		calls++
		cancel()
		return ErrTemporary
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestAutoRetryValue(t *testing.T) {
	calls := 0
	v, err := AutoRetryValue(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, ErrTemporary
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrTemporary)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestS3ErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchKey", ErrNotFound},
		{"NotFound", ErrNotFound},
		{"AccessDenied", ErrPermission},
		{"SlowDown", ErrTemporary},
		{"InternalError", ErrTemporary},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := s3Err("stat", "/x", &smithy.GenericAPIError{Code: tt.code, Message: "m"})
			assert.ErrorIs(t, err, tt.want)

			var pe *PathError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "/x", pe.Path)
		})
	}

	err := s3Err("stat", "/x", &smithy.GenericAPIError{Code: "Odd"})
	assert.False(t, IsNotFound(err))
	assert.False(t, IsRetryable(err))
}
