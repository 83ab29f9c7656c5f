package overlaymount

import "errors"

// Sentinel errors for the overlaymount package.
var (
	ErrNoLowerdirs = errors.New("overlaymount: no lowerdirs to mount")
)
