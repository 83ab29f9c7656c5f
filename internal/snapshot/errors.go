package snapshot

import "errors"

// Sentinel errors for the snapshot package.
var (
	ErrSnapshotNotFound = errors.New("snapshot: not found")
	ErrNoSnapshots      = errors.New("snapshot: no snapshots found")
)
