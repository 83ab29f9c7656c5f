package magicmount

import "errors"

var (
	// ErrNoContent is returned by MagicMount when no module contributed
	// anything under a system/ subtree, so there is nothing to realize.
	ErrNoContent = errors.New("magicmount: no module content to mount")

	// ErrLiveTargetMissing means a module declared a regular file at a path
	// whose parent directory doesn't exist on the live filesystem and no
	// ancestor tmpfs was created to hold it instead.
	ErrLiveTargetMissing = errors.New("magicmount: live target missing for non-tmpfs regular file")

	// ErrSymlinkNeedsTmpfs means a Symlink node was reached with no active
	// tmpfs workspace backing it, which dirNeedsTmpfs should have prevented.
	ErrSymlinkNeedsTmpfs = errors.New("magicmount: symlink realization requires an active tmpfs")
)
