// Package executil wraps external tool invocation (mkfs.ext4, mkfs.erofs,
// e2fsck, mount(8)), generalizing the CombinedOutput-capturing pattern the
// teacher uses for mkfs invocations in lib/images/disk.go to every external
// tool this engine shells out to.
package executil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hybridmount/mountd/internal/xerrors"
)

// Result captures the exit status and combined output of a command run.
type Result struct {
	ExitCode int
	Output   string
}

// Run executes name with args, capturing combined stdout+stderr. A non-zero
// exit is returned as an *xerrors.Error of KindExternal with the captured
// output attached for diagnostics.
func Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{Output: buf.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return res, xerrors.Newf(xerrors.KindExternal, "executil.Run", err, "%s %v: %s", name, args, res.Output)
	}
	return res, nil
}

// RunAllowExitCodes is like Run but treats any exit code in allowed as success,
// matching e2fsck's convention of codes 0-2 meaning "fixed, no longer dirty".
func RunAllowExitCodes(ctx context.Context, allowed []int, name string, args ...string) (Result, error) {
	res, err := Run(ctx, name, args...)
	if err == nil {
		return res, nil
	}
	for _, code := range allowed {
		if res.ExitCode == code {
			return res, nil
		}
	}
	return res, err
}

// RetryOnce runs op, and if it fails, runs repair and retries op exactly
// once, pausing for a short backoff interval beforehand so the retry
// doesn't immediately race whatever transient condition (a loop device
// still settling, a just-repaired filesystem not yet visible) caused the
// first attempt to fail. Mirrors storage.rs's "attempt mount, e2fsck -yf
// on failure, retry once" pattern for ext4-backed storage.
func RetryOnce(ctx context.Context, op func(ctx context.Context) error, repair func(ctx context.Context) error) error {
	if err := op(ctx); err == nil {
		return nil
	} else if repairErr := repair(ctx); repairErr != nil {
		return fmt.Errorf("operation failed (%w) and repair failed: %v", err, repairErr)
	}

	if wait, boErr := Backoff().NextBackOff(); boErr == nil && wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return op(ctx)
}

// Backoff returns a short, bounded exponential backoff policy used for
// best-effort operations that may transiently fail under I/O pressure
// during boot (e.g. waiting for a loop device to appear).
func Backoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
	)
}
