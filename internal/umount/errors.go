package umount

import "errors"

// Sentinel errors for the umount package.
var (
	ErrDriverUnavailable = errors.New("umount: driver capability unavailable")
)
