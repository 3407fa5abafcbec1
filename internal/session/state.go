package session

import (
	"sync"

	"github.com/coordination/explorer/internal/derive"
	"github.com/coordination/explorer/internal/jobs"
)

// Phase is the pipeline position of the current job.
type Phase string

const (
	// PhaseIdle means no job has been submitted.
	PhaseIdle Phase = "idle"
	// PhaseSubmitting covers fingerprinting and the submit request.
	PhaseSubmitting Phase = "submitting"
	// PhasePolling waits for the job to reach a terminal status.
	PhasePolling Phase = "polling"
	// PhaseProcessing covers result fetch, import and derivation.
	PhaseProcessing Phase = "processing"
	// PhaseReady exposes the derived graph.
	PhaseReady Phase = "ready"
	// PhaseFailed means the job ended without a usable graph.
	PhaseFailed Phase = "failed"
)

// Processing reports whether the phase gates graph reads.
func (phase Phase) Processing() bool {
	return phase == PhaseSubmitting || phase == PhasePolling || phase == PhaseProcessing
}

// Snapshot is a copy of the current job's state for observers.
type Snapshot struct {
	Generation  uint64      `json:"generation"`
	JobID       string      `json:"jobID"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Phase       Phase       `json:"phase"`
	Status      jobs.Status `json:"status,omitempty"`
	Message     string      `json:"message,omitempty"`
	Reattached  bool        `json:"reattached"`
	Processing  bool        `json:"processing"`
	Ready       bool        `json:"ready"`
}

type jobState struct {
	phase       Phase
	jobID       string
	fingerprint string
	status      jobs.Status
	message     string
	reattached  bool
	identities  []string
	posts       PostLookup
	model       derive.Model

	err         error
	settled     chan struct{}
	settledOnce *sync.Once
}

func newJobState() jobState {
	return jobState{phase: PhaseIdle, settled: make(chan struct{}), settledOnce: &sync.Once{}}
}

// settle records the outcome and releases WaitReady callers. Only the first call counts.
func (state *jobState) settle(err error) {
	state.settledOnce.Do(func() {
		state.err = err
		close(state.settled)
	})
}

func (state *jobState) snapshot(generation uint64) Snapshot {
	return Snapshot{
		Generation:  generation,
		JobID:       state.jobID,
		Fingerprint: state.fingerprint,
		Phase:       state.phase,
		Status:      state.status,
		Message:     state.message,
		Reattached:  state.reattached,
		Processing:  state.phase.Processing(),
		Ready:       state.phase == PhaseReady,
	}
}
