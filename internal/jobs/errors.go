package jobs

import (
	"errors"
	"fmt"
)

const (
	errMessageJobNotFound   = "unknown job"
	errMessageEmptyJobID    = "job id cannot be empty"
	errMessageEmptyInput    = "submission needs either a dataset or a job configuration"
	errMessageTransport     = "%s: %v"
	errMessageTransportCode = "%s: unexpected status code %d"
	errMessageJobFailed     = "job %s failed"
	errMessageJobFailedWith = "job %s failed: %s"
)

var (
	// ErrJobNotFound is returned when the service does not know the job identifier.
	ErrJobNotFound = errors.New(errMessageJobNotFound)
	// ErrEmptyJobID rejects calls without a job identifier.
	ErrEmptyJobID = errors.New(errMessageEmptyJobID)
	// ErrEmptySubmission rejects submissions carrying neither a dataset nor a configuration.
	ErrEmptySubmission = errors.New(errMessageEmptyInput)
)

// TransportError reports a network failure or an unexpected HTTP status.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf(errMessageTransportCode, e.Op, e.StatusCode)
	}
	return fmt.Sprintf(errMessageTransport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// JobError reports a job the service marked as failed. It is terminal.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf(errMessageJobFailed, e.JobID)
	}
	return fmt.Sprintf(errMessageJobFailedWith, e.JobID, e.Message)
}
