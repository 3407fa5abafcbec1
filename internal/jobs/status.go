// Package jobs talks to the coordination detection service: it submits analysis jobs
// under their content fingerprint, polls their status and fetches finished results.
package jobs

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle state of an analysis job.
type Status string

const (
	// StatusQueued covers jobs waiting for a worker.
	StatusQueued Status = "queued"
	// StatusRunning covers jobs a worker has picked up.
	StatusRunning Status = "running"
	// StatusFinished is terminal; the result can be fetched.
	StatusFinished Status = "finished"
	// StatusError is terminal; the job failed or was stopped.
	StatusError Status = "error"
)

// queueStatuses maps the worker queue vocabulary reported by the service onto Status.
var queueStatuses = map[string]Status{
	"queued":    StatusQueued,
	"deferred":  StatusQueued,
	"scheduled": StatusQueued,
	"started":   StatusRunning,
	"running":   StatusRunning,
	"finished":  StatusFinished,
	"failed":    StatusError,
	"stopped":   StatusError,
	"canceled":  StatusError,
	"cancelled": StatusError,
	"error":     StatusError,
}

// ParseStatus maps a reported status onto Status. Unrecognized values are treated as
// queued so that polling continues.
func ParseStatus(reported string) Status {
	if status, known := queueStatuses[strings.ToLower(strings.TrimSpace(reported))]; known {
		return status
	}
	return StatusQueued
}

// Terminal reports whether no further transitions can happen.
func (status Status) Terminal() bool {
	return status == StatusFinished || status == StatusError
}

// JobStatus is one status observation.
type JobStatus struct {
	JobID    string `json:"jobID"`
	Status   Status `json:"status"`
	Reported string `json:"reported,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Err returns a *JobError for jobs in the error state and nil otherwise.
func (jobStatus JobStatus) Err() error {
	if jobStatus.Status != StatusError {
		return nil
	}
	return &JobError{JobID: jobStatus.JobID, Message: jobStatus.Message}
}

type statusPayload struct {
	JobID  string          `json:"jobID"`
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error"`
}

func (payload statusPayload) jobStatus(fallbackJobID string) JobStatus {
	jobID := payload.JobID
	if jobID == "" {
		jobID = fallbackJobID
	}
	jobStatus := JobStatus{
		JobID:    jobID,
		Status:   ParseStatus(payload.Status),
		Reported: payload.Status,
	}
	// The service reuses the error field for the job result, so it only carries a message
	// for failed jobs.
	if jobStatus.Status == StatusError {
		jobStatus.Message = decodeMessage(payload.Error)
	}
	return jobStatus
}

// decodeMessage renders the free-form error field: strings verbatim, null as empty and
// anything else as its JSON text.
func decodeMessage(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var message string
	if err := json.Unmarshal(raw, &message); err == nil {
		return message
	}
	return trimmed
}
