package storage

import "errors"

// Sentinel errors for the storage package.
var (
	ErrUnsupportedBackend = errors.New("storage: no supported backend available")
	ErrCommitWrongMode    = errors.New("storage: commit called outside erofs staging mode")
)
