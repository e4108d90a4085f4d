package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Astemirdum/library-ledger/pkg/retry"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func TestDo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		fail      error
		wantCalls int
		wantErr   error
	}{
		{name: "ok first try", failures: 0, wantCalls: 1},
		{name: "ok after retries", failures: 2, fail: errConflict, wantCalls: 3},
		{name: "gives up", failures: 10, fail: errConflict, wantCalls: 4, wantErr: errConflict},
		{name: "non retryable fails fast", failures: 10, fail: errors.New("boom"), wantCalls: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := retry.Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.fail
				}
				return nil
			},
				retry.WithMaxAttempts(4),
				retry.WithBaseDelay(time.Millisecond),
				retry.WithRetryIf(func(err error) bool { return errors.Is(err, errConflict) }),
			)
			require.Equal(t, tt.wantCalls, calls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else if tt.fail != nil && tt.wantCalls == 1 {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retry.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errConflict
	}, retry.WithBaseDelay(time.Second))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDo_InvalidOptions(t *testing.T) {
	fn := func(context.Context) error { return nil }
	require.ErrorIs(t, retry.Do(context.Background(), fn, retry.WithMaxAttempts(0)), retry.ErrInvalidMaxAttempts)
	require.ErrorIs(t, retry.Do(context.Background(), fn, retry.WithBaseDelay(-1)), retry.ErrNegativeBaseDelay)
	require.ErrorIs(t, retry.Do(context.Background(), fn, retry.WithJitterFactor(2)), retry.ErrInvalidJitterFactor)
}
