package module

import "errors"

// Sentinel errors for the inventory package.
var (
	ErrModuleDirMissing = errors.New("module: module directory does not exist")
	ErrInvalidModuleID  = errors.New("module: invalid module id")
)
