package store

import (
	"fmt"

	"github.com/ValentinKolb/hashDB/lib/db"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the generic interface for interacting with a key–value store.
// All write operations return only a *Error (nil on success),
// while read operations return the requested data along with a *Error (nil on success).
type IStore interface {
	// Set inserts or updates a key–value pair. With async=false the write is durable when Set returns.
	Set(key string, value []byte, async bool) (err error)
	// Delete deletes a key–value pair. Deleting a missing key is not an error.
	Delete(key string, async bool) (err error)
	// Get return the value for a key. The boolean return value indicates whether a value for the key was found.
	Get(key string) (value []byte, loaded bool, err error)
	// Flush makes all async writes durable.
	Flush() (err error)
	// Compact runs one garbage collection round of the underlying database.
	Compact(force bool) (result db.GCResult, err error)
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the database error the store error was created from, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// FromDBError classifies an error returned by a db.KVDB. A nil err returns nil.
func FromDBError(err error) error {
	if err == nil {
		return nil
	}
	code := RetCInternalError
	switch {
	case errors.Is(err, db.ErrNotFound):
		code = RetCNotFound
	case errors.Is(err, db.ErrCorruption):
		code = RetCCorruption
	case errors.Is(err, db.ErrConfig):
		code = RetCConfigError
	case errors.Is(err, db.ErrClosed):
		code = RetCInvalidOperation
	}
	return &Error{Code: code, Msg: err.Error(), cause: err}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation, e.g. on a closed store.
	RetCNotFound                            // 4: The key does not exist.
	RetCCorruption                          // 5: Data on disk failed an integrity check.
	RetCConfigError                         // 6: The database options are invalid.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNotFound:
		return "NotFound"
	case RetCCorruption:
		return "Corruption"
	case RetCConfigError:
		return "ConfigError"
	default:
		return "Unknown"
	}
}
