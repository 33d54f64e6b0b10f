// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package archive

import (
	"fmt"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrNotInitialized is returned when an operation is invoked on an
	// Archive or Cursor that was not produced by this package.
	ErrNotInitialized = errors.New("archive not initialized")
	// ErrInvalidHandle is returned when a Registry handle does not identify an
	// open archive.
	ErrInvalidHandle = errors.New("invalid archive handle")
	// ErrNoHandlesAvailable is returned when a Registry has reached its limit
	// of open archives.
	ErrNoHandlesAvailable = errors.New("no archive handles available")
	// ErrArchiveNotFound is returned when opening a path that does not hold an
	// archive.
	ErrArchiveNotFound = errors.New("archive not found")
	// ErrArchiveAlreadyExists is returned when creating an archive over an
	// existing one.
	ErrArchiveAlreadyExists = errors.New("archive already exists")
	// ErrBadPath is returned when an archive path is not a directory.
	ErrBadPath = errors.New("bad archive path")
	// ErrNotOpen is returned when an operation requires an open archive, or
	// an archive opened in a different mode.
	ErrNotOpen = errors.New("archive not open")
	// ErrBadPacket is returned when a packet cannot be decoded.
	ErrBadPacket = errors.New("bad packet")
	// ErrInternal is returned when an archive invariant is broken. The archive
	// should be closed and reopened.
	ErrInternal = errors.New("internal archive error")
	// ErrPermissionDenied is returned when an archive is already held open by
	// another writer.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is returned when a search yields nothing.
	ErrNotFound = errors.New("not found")
	// ErrBadCriteria is returned when search criteria are invalid.
	ErrBadCriteria = errors.New("bad search criteria")
	// ErrInvalidStreamHandle is returned when a stream or cursor reference
	// does not identify a known stream or cursor.
	ErrInvalidStreamHandle = errors.New("invalid stream handle")
	// ErrSequenceBreak is returned by Cursor.Next, alongside a synthetic event
	// trailer, when a gap in packet sequence numbers is read. It is not fatal.
	ErrSequenceBreak = errors.New("sequence break")
	// ErrEndOfData is returned by Cursor.Next once the cursor is exhausted.
	ErrEndOfData = errors.New("end of data")
	// ErrNoRateDerivable is returned when a stream's sampling rate could not
	// be derived from its stashed packets. The stashed packets are dropped.
	ErrNoRateDerivable = errors.New("no sampling rate derivable")
	// ErrPurgeStartFailed is returned when an archive's purge engine cannot
	// run with the configured limits.
	ErrPurgeStartFailed = errors.New("purge could not be started")
	// ErrMaxSizeReached is returned when a packet cannot be written because
	// the archive is at its maximum size, even after purging.
	ErrMaxSizeReached = errors.New("archive maximum size reached")
)

// IOError is a filesystem failure.
//
// IOError does not implement errors.Cause's causer interface, so it is the
// Cause of any error that wraps it.
type IOError struct {
	// Op is the failed operation ("open", "write", ...).
	Op string
	// Path is the path that the operation was applied to.
	Path string
	// Err is the underlying error.
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err) }

// Unwrap returns the underlying error.
func (e *IOError) Unwrap() error { return e.Err }

// Errno returns the operating system error code of the failure, or 0 if it
// has none.
func (e *IOError) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

// IsIOError returns true if err is caused by an IOError.
func IsIOError(err error) bool {
	_, ok := errors.Cause(err).(*IOError)
	return ok
}

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok {
		// Strip the redundant os.PathError wrapper.
		err = pe.Err
	}
	return &IOError{Op: op, Path: path, Err: err}
}
