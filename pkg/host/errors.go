package host

import (
	"errors"
	"fmt"

	"github.com/cuemby/vfhost/pkg/protocol"
	"github.com/cuemby/vfhost/pkg/types"
)

var (
	// ErrRetriesExhausted is wrapped by every JobError.
	ErrRetriesExhausted = errors.New("job failed on every attempt")

	// ErrWorkerTimeout means the worker did not answer in time and was
	// killed.
	ErrWorkerTimeout = errors.New("worker timed out")

	// ErrWorkerDied means the worker process exited or closed its
	// channel unexpectedly.
	ErrWorkerDied = errors.New("worker died")

	// ErrWorkerFailed means the worker answered but reported a failure of
	// its own, or an answer the host cannot accept.
	ErrWorkerFailed = errors.New("worker failed")

	// ErrSecurityRequirements means the system cannot provide the
	// hardening the job or the host configuration requires. It is a
	// configuration error and never retried.
	ErrSecurityRequirements = errors.New("security requirements cannot be met")

	// ErrVersionMismatch means the worker binary was built for a
	// different logical version than the host. Never retried.
	ErrVersionMismatch = errors.New("worker binary has a different logical version")

	// ErrArtifactUnavailable means an Execute job names an artifact that
	// is absent or stale and carries no code to rebuild it from.
	ErrArtifactUnavailable = errors.New("artifact unavailable")

	// ErrClosed is returned once the host is closed.
	ErrClosed = errors.New("host closed")
)

// JobError reports a job that failed on a fresh worker on every attempt.
type JobError struct {
	JobID    string
	Kind     types.PoolKind
	Attempts int
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s job %s failed after %d attempts: %v", e.Kind, e.JobID, e.Attempts, e.Err)
}

// Unwrap exposes both ErrRetriesExhausted and the last worker failure.
func (e *JobError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Err}
}

// retryable reports whether err is a worker failure that a fresh worker
// might not repeat.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrSecurityRequirements),
		errors.Is(err, ErrVersionMismatch),
		errors.Is(err, ErrClosed):
		return false
	case errors.Is(err, ErrWorkerTimeout),
		errors.Is(err, ErrWorkerDied),
		errors.Is(err, ErrWorkerFailed),
		errors.Is(err, protocol.ErrUnexpectedMessage),
		errors.Is(err, protocol.ErrMalformed):
		return true
	default:
		return false
	}
}
