package sync

import "errors"

// Sentinel errors for the sync package.
var (
	ErrCommitFailed      = errors.New("sync: atomic commit of synced module content failed")
	ErrCopyDepthExceeded = errors.New("sync: recursive copy exceeded max depth, possible cycle")
	ErrNoStatT           = errors.New("sync: platform does not expose syscall.Stat_t")
)
