package poll

import (
	"errors"
	"fmt"
)

// Reasons carried by ConfigError.
var (
	ErrNotMonitored    = errors.New("repository not monitored")
	ErrInvalidRevision = errors.New("invalid revision")
)

// ConfigError rejects an on-demand request for a repository or revision
// that is not configured or not valid. It is shown to the requester.
type ConfigError struct {
	Repository string
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Repository, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a failed store save. In-memory watermarks are
// kept and the save is retried on the next cycle.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("saving watermarks: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
