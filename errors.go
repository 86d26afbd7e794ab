package blabber

import "github.com/pkg/errors"

// Errors returned by the public API. Failures of the underlying device are
// returned as wrapped platform errors instead.
var (
	// ErrShutDown is returned when an operation is started after Finish.
	ErrShutDown = errors.New("database is shut down")

	// ErrAlreadyClosed is returned when Finish is called twice.
	ErrAlreadyClosed = errors.New("database has already been closed")

	// ErrInvalidFormat is returned when the opened file is not a blabber database.
	ErrInvalidFormat = errors.New("invalid file format")

	// ErrUnsupportedVersion is returned when the database file uses an
	// unsupported format version.
	ErrUnsupportedVersion = errors.New("unsupported format version")

	// ErrNotFound is returned when the referenced post does not exist.
	ErrNotFound = errors.New("post not found")

	// ErrStringTooLarge is returned for strings the heap cannot store.
	ErrStringTooLarge = errors.New("string is too large")

	// ErrClockError is returned when the system clock reports a time before
	// the Unix epoch.
	ErrClockError = errors.New("system clock returned an invalid time")

	// ErrIDSpaceExhausted is returned when the post ID counter wraps.
	ErrIDSpaceExhausted = errors.New("id space exhausted")

	// ErrInternalInvariant is returned when a read-only path observes a
	// modification. It indicates a bug.
	ErrInternalInvariant = errors.New("internal invariant violated")
)
