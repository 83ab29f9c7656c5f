package executil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Output, "hello")
}

func TestRunNonZeroExitReturnsError(t *testing.T) {
	_, err := Run(context.Background(), "sh", "-c", "exit 3")
	require.Error(t, err)
}

func TestRunAllowExitCodesTreatsAllowedCodeAsSuccess(t *testing.T) {
	res, err := RunAllowExitCodes(context.Background(), []int{1, 2}, "sh", "-c", "exit 1")
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
}

func TestRunAllowExitCodesStillFailsOnDisallowedCode(t *testing.T) {
	_, err := RunAllowExitCodes(context.Background(), []int{1, 2}, "sh", "-c", "exit 9")
	require.Error(t, err)
}

func TestRetryOnceSucceedsWithoutRepairWhenOpSucceeds(t *testing.T) {
	calls := 0
	err := RetryOnce(context.Background(),
		func(ctx context.Context) error { calls++; return nil },
		func(ctx context.Context) error { t.Fatal("repair should not run"); return nil },
	)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryOnceRunsRepairThenRetriesOpOnce(t *testing.T) {
	opCalls := 0
	err := RetryOnce(context.Background(),
		func(ctx context.Context) error {
			opCalls++
			if opCalls == 1 {
				return context.DeadlineExceeded
			}
			return nil
		},
		func(ctx context.Context) error { return nil },
	)
	require.NoError(t, err)
	require.Equal(t, 2, opCalls)
}

func TestRetryOnceReturnsCombinedErrorWhenRepairFails(t *testing.T) {
	err := RetryOnce(context.Background(),
		func(ctx context.Context) error { return context.DeadlineExceeded },
		func(ctx context.Context) error { return context.Canceled },
	)
	require.Error(t, err)
}

func TestBackoffProducesPositiveFirstInterval(t *testing.T) {
	b := Backoff()
	first, err := b.NextBackOff()
	require.NoError(t, err)
	require.Greater(t, first.Nanoseconds(), int64(0))
}
