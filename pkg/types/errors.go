package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound is returned when a requested symbol or chunk is not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrProviderNotAvailable is returned when a provider is not available.
	ErrProviderNotAvailable = errors.New("provider not available")

	// ErrParseError marks a localized, non-fatal failure to parse one unit.
	ErrParseError = errors.New("parse error")

	// ErrStoreCorrupt is returned when persisted graph state fails an
	// invariant check. Only a full re-index repairs it.
	ErrStoreCorrupt = errors.New("graph store corrupt")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrCancelled is returned when an indexing run stops at a checkpoint.
	ErrCancelled = errors.New("operation cancelled")
)

// ParseError describes where and why a unit could not be parsed.
type ParseError struct {
	File   string
	Offset int
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d (offset %d): %s", e.File, e.Line, e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParseError }

// Diagnostic converts the error into a diagnostic record.
func (e *ParseError) Diagnostic() Diagnostic {
	return Diagnostic{
		File:     e.File,
		Offset:   e.Offset,
		Line:     e.Line,
		Severity: SeverityError,
		Reason:   e.Reason,
	}
}

// CorruptionError reports the invariant a persisted graph store violated.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("graph store %s is corrupt (%s); run a full re-index", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error { return ErrStoreCorrupt }

// NeedsReindex reports whether err can only be repaired by a full re-index,
// as opposed to a transient failure worth retrying.
func NeedsReindex(err error) bool {
	return errors.Is(err, ErrStoreCorrupt)
}
