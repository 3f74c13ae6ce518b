package petrel

import (
	"github.com/cockroachdb/errors"

	"github.com/petreldb/petrel/compression"
	"github.com/petreldb/petrel/keys"
)

// Error definitions for the database.
// Standard Go practice - define all the sentinels in one place so
// they're easy to find. Wrapping is done with cockroachdb/errors so
// errors.Is keeps working through annotation.
var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("petrel: not found")

	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("petrel: database is closed")

	// ErrDBExists is returned opening an existing database with
	// ErrorIfExists set.
	ErrDBExists = errors.New("petrel: database already exists")

	// ErrDBDoesNotExist is returned opening a missing database without
	// CreateIfMissing.
	ErrDBDoesNotExist = errors.New("petrel: database does not exist")

	// ErrDBAlreadyOpen is returned when the LOCK file is held by another
	// process.
	ErrDBAlreadyOpen = errors.New("petrel: database is already open by another process")

	// ErrReadOnly is returned when writing to a read-only database.
	ErrReadOnly = errors.New("petrel: database is read-only")

	// ErrClosed is returned when operating on a closed resource.
	ErrClosed = errors.New("petrel: resource is closed")

	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("petrel: invalid key")

	// ErrInvalidValue is returned when a value is invalid.
	ErrInvalidValue = errors.New("petrel: invalid value")

	// ErrCorruption is returned when data corruption is detected.
	ErrCorruption = keys.ErrCorruption

	// ErrNotSupported is returned when an operation or encoding is not
	// supported (for example an unknown block compression type).
	ErrNotSupported = errors.New("petrel: operation not supported")

	// ErrInvalidArgument is returned when options or arguments violate a
	// precondition.
	ErrInvalidArgument = errors.New("petrel: invalid argument")

	// ErrIOError wraps failures of the underlying file system.
	ErrIOError = errors.New("petrel: I/O error")

	// ErrSnapshotReleased is returned when reading through a snapshot
	// that has already been released.
	ErrSnapshotReleased = errors.New("petrel: snapshot released")
)

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err indicates on-disk corruption.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// IsNotSupported reports whether err indicates an unsupported encoding
// or operation, including a block compressed with a codec this build
// does not carry.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported) || errors.Is(err, compression.ErrUnknownType)
}

// IsInvalidArgument reports whether err indicates a violated
// precondition.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsIOError reports whether err wraps a file-system failure.
func IsIOError(err error) bool { return errors.Is(err, ErrIOError) }

// corruptionf builds a Corruption error with context.
func corruptionf(format string, args ...any) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

// ioErr tags an underlying file-system error so it classifies as an
// IOError while keeping the original cause visible.
func ioErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrIOError)
}
