// Package engine defines the storage backend contract ("vaults"), the per
// topic adapters that bind a record type to a vault, and the registry that
// resolves them.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/celerix-dev/archivist/pkg/schema"
	"github.com/celerix-dev/archivist/pkg/value"
)

var (
	// ErrNotFound is returned when a record is absent.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied is returned when an actor fails a shard check.
	ErrAccessDenied = errors.New("access denied")
	// ErrAlreadyExists is returned by add when the record is present.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCapabilityUnsupported is returned when a vault lacks an operation.
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	// ErrIO wraps backend communication failures, timeouts included.
	ErrIO = errors.New("backend i/o failure")
	// ErrClosed is returned by operations on a finished coordinator.
	ErrClosed = errors.New("coordinator closed")
	// ErrUnknownTopic is returned for topics missing from the configuration.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrConfig marks configuration-time failures.
	ErrConfig = errors.New("invalid configuration")

	ErrInvalidIndex         = schema.ErrInvalidIndex
	ErrUnsupportedMediaType = value.ErrUnsupportedMediaType
	ErrMalformedDiff        = value.ErrMalformedDiff
)

// IOError wraps a backend failure so that it matches ErrIO while keeping the
// cause inspectable. Taxonomy errors pass through unchanged.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrAlreadyExists, ErrIO, ErrAccessDenied, ErrCapabilityUnsupported} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: timed out: %w", ErrIO, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
