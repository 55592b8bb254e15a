package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for caller errors such as an empty
	// profile list or an unusable source reference. Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is returned when a job or artifact is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a requested state change is not
	// reachable from the job's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrResolution is returned when the source resolver yields zero
	// candidate streams or fails outright.
	ErrResolution = errors.New("source resolution failed")

	// ErrSizeLimitExceeded is returned when a fetch would exceed the
	// configured maximum source size. Permanent.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrChecksumMismatch is returned when fetched bytes do not match the
	// checksum advertised by the candidate stream.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrStorage is returned for artifact store read/write failures.
	ErrStorage = errors.New("artifact storage failure")
)

// RetryableError wraps transient failures that may be retried under the
// bounded backoff policy. Anything not wrapped is treated as permanent.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError marks err as transient.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// TranscodeError carries the encoding tool's exit diagnostics for one
// failed attempt.
type TranscodeError struct {
	Profile     Profile
	ExitCode    int
	Diagnostics string
	Err         error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode %s failed (exit %d): %v", e.Profile.Key(), e.ExitCode, e.Err)
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}
