package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "coordination_explorer"

	// OutcomeSuccess labels operations that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels operations that failed.
	OutcomeError = "error"
	// OutcomeEmpty labels derivations of graphs without edges.
	OutcomeEmpty = "empty"
	// OutcomeMalformed labels results rejected during import.
	OutcomeMalformed = "malformed"

	// PollStatus labels polls that observed a job status.
	PollStatus = "status"
	// PollTransient labels polls that failed and will be retried.
	PollTransient = "transient"
	// PollNotFound labels polls for jobs the service does not know.
	PollNotFound = "not_found"

	// SubmissionUploaded labels submissions that sent input to the service.
	SubmissionUploaded = "uploaded"
	// SubmissionReattached labels submissions that reused a known job.
	SubmissionReattached = "reattached"
)

// Recorder owns the collectors of one process. A nil *Recorder discards observations.
type Recorder struct {
	polls                     *prometheus.CounterVec
	submissions               *prometheus.CounterVec
	imports                   *prometheus.CounterVec
	derivations               *prometheus.CounterVec
	archiveWrites             *prometheus.CounterVec
	processingDurationSeconds prometheus.Histogram
}

// NewRecorder constructs unregistered collectors.
func NewRecorder() *Recorder {
	return &Recorder{
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_polls_total",
				Help:      "Job status polls, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_submissions_total",
				Help:      "Job submissions, partitioned by whether input was uploaded.",
			},
			[]string{"mode"},
		),
		imports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_imports_total",
				Help:      "Graph result imports, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		derivations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_derivations_total",
				Help:      "Derivation passes, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		archiveWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_writes_total",
				Help:      "Result archive writes, partitioned by sink and outcome.",
			},
			[]string{"sink", "outcome"},
		),
		processingDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processing_seconds",
				Help:      "Time from a finished status to a derived graph.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
	}
}

// Register attaches the collectors to the supplied registerer. Collectors registered
// earlier are tolerated.
func (recorder *Recorder) Register(registerer prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		recorder.polls,
		recorder.submissions,
		recorder.imports,
		recorder.derivations,
		recorder.archiveWrites,
		recorder.processingDurationSeconds,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePoll counts one poll outcome.
func (recorder *Recorder) ObservePoll(outcome string) {
	if recorder == nil {
		return
	}
	recorder.polls.WithLabelValues(outcome).Inc()
}

// ObserveSubmission counts one submission.
func (recorder *Recorder) ObserveSubmission(reattached bool) {
	if recorder == nil {
		return
	}
	mode := SubmissionUploaded
	if reattached {
		mode = SubmissionReattached
	}
	recorder.submissions.WithLabelValues(mode).Inc()
}

// ObserveImport counts one import outcome.
func (recorder *Recorder) ObserveImport(outcome string) {
	if recorder == nil {
		return
	}
	recorder.imports.WithLabelValues(outcome).Inc()
}

// ObserveDerivation counts one derivation and records how long processing took.
func (recorder *Recorder) ObserveDerivation(duration time.Duration, outcome string) {
	if recorder == nil {
		return
	}
	recorder.derivations.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	recorder.processingDurationSeconds.Observe(duration.Seconds())
}

// ObserveArchiveWrite counts one archive write for a sink.
func (recorder *Recorder) ObserveArchiveWrite(sink string, err error) {
	if recorder == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	recorder.archiveWrites.WithLabelValues(sink, outcome).Inc()
}
