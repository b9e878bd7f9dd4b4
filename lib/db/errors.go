package db

import (
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Error Taxonomy
// --------------------------------------------------------------------------

var (
	// ErrNotFound is returned when a key is absent or deleted.
	ErrNotFound = errors.New("key not found")

	// ErrCorruption marks errors caused by a failed integrity check of on-disk data.
	ErrCorruption = errors.New("data corruption")

	// ErrIO marks errors caused by the operating system (disk full, permissions, device errors).
	ErrIO = errors.New("i/o failure")

	// ErrConfig marks invalid configuration. The engine refuses to open with it.
	ErrConfig = errors.New("invalid configuration")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("database closed")
)

// MarkCorruption wraps err with a message and marks it as ErrCorruption.
func MarkCorruption(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCorruption)
}

// NewCorruption creates a new error marked as ErrCorruption.
func NewCorruption(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkIO wraps err with a message and marks it as ErrIO. A nil err stays nil.
func MarkIO(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// NewConfigError creates a new error marked as ErrConfig.
func NewConfigError(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}

func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }
func IsIO(err error) bool         { return errors.Is(err, ErrIO) }
func IsConfig(err error) bool     { return errors.Is(err, ErrConfig) }
func IsClosed(err error) bool     { return errors.Is(err, ErrClosed) }
