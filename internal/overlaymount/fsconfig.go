package overlaymount

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// fsconfig command values from linux/mount.h. golang.org/x/sys/unix exposes
// Fsopen/Fsmount/MoveMount/OpenTree as direct wrappers but has no fsconfig
// wrapper yet, only the SYS_FSCONFIG syscall number; these two helpers wrap
// it the same way rustix's fsconfig_set_string/fsconfig_create do.
const (
	fsconfigSetString = 1
	fsconfigCmdCreate = 6
)

func fsconfigSetStringValue(fd int, key, value string) error {
	keyC, err := unix.BytePtrFromString(key)
	if err != nil {
		return err
	}
	valC, err := unix.BytePtrFromString(value)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FSCONFIG,
		uintptr(fd),
		uintptr(fsconfigSetString),
		uintptr(unsafe.Pointer(keyC)),
		uintptr(unsafe.Pointer(valC)),
		0, 0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func fsconfigCreate(fd int) error {
	_, _, errno := unix.Syscall6(unix.SYS_FSCONFIG, uintptr(fd), uintptr(fsconfigCmdCreate), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
