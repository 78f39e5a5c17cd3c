package archivist

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/celerix-dev/archivist/pkg/engine"
	"github.com/celerix-dev/archivist/pkg/schema"
)

// Failure is one vault operation that failed during Distribute.
type Failure struct {
	Topic string
	Index schema.Index
	Vault string
	Op    engine.Op
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s %s on vault %q: %v", f.Op, schema.Ref{Topic: f.Topic, Index: f.Index}, f.Vault, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Failures extracts the per-vault failures from an error returned by
// Distribute. It returns nil for any other error.
func Failures(err error) []*Failure {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return nil
	}
	var out []*Failure
	for _, e := range merr.Errors {
		var f *Failure
		if errors.As(e, &f) {
			out = append(out, f)
		}
	}
	return out
}

// EntryError is the failure of one position of an MGet.
type EntryError struct {
	Position int
	Ref      schema.Ref
	Err      error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %d (%s): %v", e.Position, e.Ref, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// EntryErrors extracts the per-position failures from an error returned by
// MGet.
func EntryErrors(err error) []*EntryError {
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return nil
	}
	var out []*EntryError
	for _, e := range merr.Errors {
		var ee *EntryError
		if errors.As(e, &ee) {
			out = append(out, ee)
		}
	}
	return out
}
