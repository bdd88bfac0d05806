package dbengine

import "github.com/pkg/errors"

// ErrCorrupt indicates a truncated file or an offset that falls outside
// the file (spec §4.6 fail modes).
var ErrCorrupt = errors.New("corrupt database file")

// ErrIO wraps an underlying filesystem error (spec §4.6 fail modes).
var ErrIO = errors.New("database file i/o error")

func corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorrupt, format, args...)
}
