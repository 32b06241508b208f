package uow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrAborted      = errors.New("unit of work aborted")
	ErrNotActive    = errors.New("unit of work is not active")
	ErrNotActivated = errors.New("prepared unit of work was never activated")
	ErrSuppressed   = errors.New("unit of work is suppressed")
)

// CommitError reports a commit that did not complete on every participant.
// Committed lists the sources that had already committed, so a partial
// commit is visible to the caller.
type CommitError struct {
	UnitOfWork  string
	Committed   []string
	Failed      string
	Err         error
	RollbackErr error
}

func (e *CommitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "commit unit of work %s", e.UnitOfWork)
	if e.Failed != "" {
		fmt.Fprintf(&b, " at %s", e.Failed)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if len(e.Committed) > 0 {
		fmt.Fprintf(&b, " (already committed: %s)", strings.Join(e.Committed, ", "))
	}
	if e.RollbackErr != nil {
		fmt.Fprintf(&b, " (rollback: %v)", e.RollbackErr)
	}
	return b.String()
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Partial reports whether some participants committed before the failure.
func (e *CommitError) Partial() bool {
	return len(e.Committed) > 0
}

// DispatchError reports that the data was committed but its events could
// be neither published nor queued.
type DispatchError struct {
	UnitOfWork string
	Events     int
	Err        error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %d event(s) of unit of work %s: %v", e.Events, e.UnitOfWork, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
