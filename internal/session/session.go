// Package session drives one job at a time from submission through polling, result
// import and derivation, and gates graph reads while that pipeline runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coordination/explorer/internal/anonymizer"
	"github.com/coordination/explorer/internal/derive"
	"github.com/coordination/explorer/internal/filter"
	"github.com/coordination/explorer/internal/graph"
	"github.com/coordination/explorer/internal/jobs"
	"github.com/coordination/explorer/internal/metrics"
)

const (
	errMessageNoJob       = "no job has been submitted"
	errMessageNotReady    = "graph is not ready"
	errMessageClosed      = "session is closed"
	errMessageNoService   = "job service is required"
	errMessageFetchResult = "fetch result"
	errMessageImport      = "import result"
	errMessageDerive      = "derive graph"
	errMessagePostLookup  = "post lookup"

	logMessageSubmitting    = "submitting job"
	logMessageSubmitFailed  = "job submission failed"
	logMessageAttaching     = "attaching to job"
	logMessageProcessing    = "processing job result"
	logMessageReady         = "graph ready"
	logMessageFailed        = "job pipeline failed"
	logMessageDiscarded     = "discarding result of superseded job"
	logMessageTransientPoll = "status poll failed"
	logFieldJobID           = "job_id"
	logFieldFingerprint     = "fingerprint"
	logFieldReattached      = "reattached"
	logFieldNodeCount       = "nodes"
	logFieldEdgeCount       = "edges"
	logFieldDuration        = "duration"
)

var (
	// ErrNoJob is returned by operations that need a submitted or attached job.
	ErrNoJob = errors.New(errMessageNoJob)
	// ErrNotReady is returned by graph mutations while no derived graph is available.
	ErrNotReady = errors.New(errMessageNotReady)
	// ErrClosed is returned after Close.
	ErrClosed = errors.New(errMessageClosed)
	// ErrNoService is returned by New without a job service.
	ErrNoService = errors.New(errMessageNoService)
)

// JobService is the part of the job client the pipeline depends on.
type JobService interface {
	jobs.StatusFetcher
	Submit(ctx context.Context, submission jobs.Submission) (jobs.JobHandle, error)
	FetchResult(ctx context.Context, jobID string) (graph.RawResult, error)
	FetchPost(ctx context.Context, jobID string, postID string) (jobs.Post, error)
}

// PostLookup resolves posts held locally, such as the rows of an uploaded dataset.
type PostLookup interface {
	Post(postID string) (jobs.Post, bool)
}

// Request describes one submission.
type Request struct {
	Submission jobs.Submission
	// Identities orders pseudonym assignment, typically the distinct screen names of an
	// uploaded dataset. Empty for configuration sources.
	Identities []string
	// Posts answers post lookups before the job service is asked.
	Posts PostLookup
}

// Config configures a Session.
type Config struct {
	Service      JobService
	Store        *graph.Store
	Deriver      *derive.Deriver
	Anonymizer   *anonymizer.Anonymizer
	PollInterval time.Duration
	NewTicker    jobs.TickerFactory
	Logger       *zap.Logger
	Recorder     *metrics.Recorder
}

// Session owns the graph store and the single polling loop.
type Session struct {
	service    JobService
	store      *graph.Store
	deriver    *derive.Deriver
	anonymizer *anonymizer.Anonymizer
	poller     *jobs.Poller
	logger     *zap.Logger
	recorder   *metrics.Recorder

	lifetime context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup

	// pipelineMutex serializes store writes: clearing for a new job and importing a
	// result never interleave.
	pipelineMutex sync.Mutex

	mutex      sync.RWMutex
	closed     bool
	generation uint64
	state      jobState
}

// New constructs a Session.
func New(configuration Config) (*Session, error) {
	if configuration.Service == nil {
		return nil, ErrNoService
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := configuration.Store
	if store == nil {
		store = graph.NewStore()
	}
	deriver := configuration.Deriver
	if deriver == nil {
		deriver = derive.NewDeriver(derive.Config{Logger: logger})
	}
	anonymizerInstance := configuration.Anonymizer
	if anonymizerInstance == nil {
		anonymizerInstance = anonymizer.New(true)
	}
	lifetime, cancel := context.WithCancel(context.Background())

	return &Session{
		service:    configuration.Service,
		store:      store,
		deriver:    deriver,
		anonymizer: anonymizerInstance,
		poller: jobs.NewPoller(jobs.PollerConfig{
			Fetcher:   configuration.Service,
			Interval:  configuration.PollInterval,
			Logger:    logger,
			NewTicker: configuration.NewTicker,
		}),
		logger:   logger,
		recorder: configuration.Recorder,
		lifetime: lifetime,
		cancel:   cancel,
		state:    newJobState(),
	}, nil
}

// Submit starts a new job. Any running job is abandoned first: its polling loop is
// cancelled and the store is cleared before the submission is sent. Re-submitting
// unchanged input reattaches to the job the service already holds.
func (session *Session) Submit(ctx context.Context, request Request) (jobs.JobHandle, error) {
	generation, err := session.begin(PhaseSubmitting, "", request)
	if err != nil {
		return jobs.JobHandle{}, err
	}
	session.logger.Info(logMessageSubmitting, zap.Bool("dataset", request.Submission.IsDataset()))

	handle, err := session.service.Submit(ctx, request.Submission)
	if err != nil {
		session.logger.Warn(logMessageSubmitFailed, zap.Error(err))
		session.fail(generation, err)
		return jobs.JobHandle{}, err
	}
	session.recorder.ObserveSubmission(handle.Reattached)

	if !session.update(generation, func(state *jobState) {
		state.jobID = handle.JobID
		state.fingerprint = handle.Fingerprint
		state.status = handle.Status.Status
		state.reattached = handle.Reattached
		state.phase = PhasePolling
	}) {
		return handle, nil
	}
	session.logger.Info(
		logMessageAttaching,
		zap.String(logFieldJobID, handle.JobID),
		zap.String(logFieldFingerprint, handle.Fingerprint),
		zap.Bool(logFieldReattached, handle.Reattached),
	)

	if handle.Status.Status.Terminal() {
		session.workers.Add(1)
		go func() {
			defer session.workers.Done()
			session.complete(generation, handle.JobID, handle.Status, handle.Status.Err())
		}()
		return handle, nil
	}
	session.startPolling(generation, handle.JobID, false)
	return handle, nil
}

// Attach follows a job known only by its identifier, as when the explorer is opened on
// an existing job. The first status request is sent immediately.
func (session *Session) Attach(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return jobs.ErrEmptyJobID
	}
	generation, err := session.begin(PhasePolling, jobID, Request{})
	if err != nil {
		return err
	}
	session.logger.Info(logMessageAttaching, zap.String(logFieldJobID, jobID), zap.Bool(logFieldReattached, true))
	session.startPolling(generation, jobID, true)
	return nil
}

// Snapshot reports the state of the current job.
func (session *Session) Snapshot() Snapshot {
	session.mutex.RLock()
	defer session.mutex.RUnlock()
	return session.state.snapshot(session.generation)
}

// View returns the derived graph, or an empty view while no job is ready. Readers never
// observe a graph that is being imported or derived.
func (session *Session) View() *graph.View {
	session.mutex.RLock()
	ready := session.state.phase == PhaseReady
	session.mutex.RUnlock()
	if !ready {
		return graph.EmptyView()
	}
	return session.store.Snapshot()
}

// Model returns the aggregates of the ready graph.
func (session *Session) Model() (derive.Model, bool) {
	session.mutex.RLock()
	defer session.mutex.RUnlock()
	if session.state.phase != PhaseReady {
		return derive.Model{}, false
	}
	return session.state.model, true
}

// Anonymizer returns the anonymizer consulted for every rendered identity.
func (session *Session) Anonymizer() *anonymizer.Anonymizer {
	return session.anonymizer
}

// Namer returns the label transform for display surfaces.
func (session *Session) Namer() filter.Namer {
	return filter.NamerFunc(session.anonymizer.ToPseudonym)
}

// Anonymous reports whether identities are rendered as pseudonyms.
func (session *Session) Anonymous() bool {
	return session.anonymizer.Enabled()
}

// SetAnonymous toggles anonymous mode without rebuilding the pseudonym table.
func (session *Session) SetAnonymous(enabled bool) {
	session.anonymizer.SetEnabled(enabled)
}

// MoveNode applies a drag to the ready graph.
func (session *Session) MoveNode(key string, x float64, y float64) error {
	session.mutex.RLock()
	ready := session.state.phase == PhaseReady
	session.mutex.RUnlock()
	if !ready {
		return ErrNotReady
	}
	return session.store.MoveNode(key, x, y)
}

// Post resolves a post of the current job, preferring locally indexed dataset rows.
func (session *Session) Post(ctx context.Context, postID string) (jobs.Post, error) {
	session.mutex.RLock()
	jobID := session.state.jobID
	posts := session.state.posts
	session.mutex.RUnlock()

	if posts != nil {
		if post, found := posts.Post(postID); found {
			return post, nil
		}
	}
	if jobID == "" {
		return jobs.Post{}, ErrNoJob
	}
	post, err := session.service.FetchPost(ctx, jobID, postID)
	if err != nil {
		return jobs.Post{}, fmt.Errorf("%s: %w", errMessagePostLookup, err)
	}
	return post, nil
}

// WaitReady blocks until the current job is ready or has failed, returning the failure.
func (session *Session) WaitReady(ctx context.Context) error {
	session.mutex.RLock()
	settled := session.state.settled
	hasJob := session.generation > 0
	session.mutex.RUnlock()
	if !hasJob {
		return ErrNoJob
	}

	select {
	case <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}
	session.mutex.RLock()
	defer session.mutex.RUnlock()
	if session.state.settled != settled {
		return ErrNoJob
	}
	return session.state.err
}

// Close stops polling and waits for in-flight work to exit.
func (session *Session) Close(ctx context.Context) error {
	session.mutex.Lock()
	session.closed = true
	session.mutex.Unlock()
	session.poller.Stop()
	session.cancel()
	if err := session.poller.Wait(ctx); err != nil {
		return err
	}

	drained := make(chan struct{})
	go func() {
		session.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin abandons the current job and prepares a fresh state for the next one.
func (session *Session) begin(phase Phase, jobID string, request Request) (uint64, error) {
	session.pipelineMutex.Lock()
	defer session.pipelineMutex.Unlock()

	session.mutex.Lock()
	defer session.mutex.Unlock()
	if session.closed {
		return 0, ErrClosed
	}
	session.poller.Stop()
	session.generation++
	session.state.settle(nil)
	session.state = newJobState()
	session.state.phase = phase
	session.state.jobID = jobID
	session.state.identities = append([]string(nil), request.Identities...)
	session.state.posts = request.Posts
	session.store.Clear()
	return session.generation, nil
}

// startPolling starts the loop only while generation is current, so a superseded
// submission can never replace the loop of the job that superseded it.
func (session *Session) startPolling(generation uint64, jobID string, immediate bool) {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if generation != session.generation || session.closed {
		return
	}
	session.poller.Start(session.lifetime, jobID, immediate, session.handlers(generation, jobID))
}

// update applies mutate when generation is still current and reports whether it was.
func (session *Session) update(generation uint64, mutate func(*jobState)) bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if generation != session.generation {
		return false
	}
	mutate(&session.state)
	return true
}

func (session *Session) handlers(generation uint64, jobID string) jobs.Handlers {
	return jobs.Handlers{
		Status: func(status jobs.JobStatus) {
			session.recorder.ObservePoll(metrics.PollStatus)
			session.update(generation, func(state *jobState) {
				state.status = status.Status
				state.message = status.Message
			})
		},
		TransientError: func(err error) {
			session.recorder.ObservePoll(metrics.PollTransient)
			session.logger.Debug(logMessageTransientPoll, zap.String(logFieldJobID, jobID), zap.Error(err))
			session.update(generation, func(state *jobState) {
				state.message = err.Error()
			})
		},
		Done: func(status jobs.JobStatus, err error) {
			if errors.Is(err, jobs.ErrJobNotFound) {
				session.recorder.ObservePoll(metrics.PollNotFound)
			}
			session.complete(generation, jobID, status, err)
		},
	}
}

// complete handles a terminal status: failures settle the job, a finished job has its
// result fetched exactly once, imported and derived.
func (session *Session) complete(generation uint64, jobID string, status jobs.JobStatus, err error) {
	if err != nil {
		session.update(generation, func(state *jobState) {
			state.status = status.Status
		})
		session.fail(generation, err)
		return
	}
	if !session.update(generation, func(state *jobState) {
		state.status = status.Status
		state.phase = PhaseProcessing
		state.message = ""
	}) {
		return
	}

	started := time.Now()
	session.logger.Info(logMessageProcessing, zap.String(logFieldJobID, jobID))
	raw, fetchErr := session.service.FetchResult(session.lifetime, jobID)
	if fetchErr != nil {
		session.fail(generation, fmt.Errorf("%s: %w", errMessageFetchResult, fetchErr))
		return
	}
	session.process(generation, jobID, raw, started)
}

func (session *Session) process(generation uint64, jobID string, raw graph.RawResult, started time.Time) {
	session.pipelineMutex.Lock()
	defer session.pipelineMutex.Unlock()

	session.mutex.RLock()
	current := generation == session.generation
	identities := session.state.identities
	session.mutex.RUnlock()
	if !current {
		session.logger.Info(logMessageDiscarded, zap.String(logFieldJobID, jobID))
		return
	}

	if err := session.store.Import(raw); err != nil {
		session.recorder.ObserveImport(importOutcome(err))
		session.fail(generation, fmt.Errorf("%s: %w", errMessageImport, err))
		return
	}
	session.recorder.ObserveImport(metrics.OutcomeSuccess)

	model, err := session.deriver.Derive(session.store, derive.Options{Identities: identities})
	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, derive.ErrEmptyGraph):
		outcome = metrics.OutcomeEmpty
	case err != nil:
		session.store.Clear()
		session.recorder.ObserveDerivation(time.Since(started), metrics.OutcomeError)
		session.fail(generation, fmt.Errorf("%s: %w", errMessageDerive, err))
		return
	}
	session.anonymizer.Install(model.Pseudonyms)
	duration := time.Since(started)
	session.recorder.ObserveDerivation(duration, outcome)

	session.update(generation, func(state *jobState) {
		state.model = model
		state.phase = PhaseReady
		state.settle(nil)
	})
	session.logger.Info(
		logMessageReady,
		zap.String(logFieldJobID, jobID),
		zap.Int(logFieldNodeCount, session.store.NodeCount()),
		zap.Int(logFieldEdgeCount, session.store.EdgeCount()),
		zap.Duration(logFieldDuration, duration),
	)
}

// fail settles the job as failed. The job stays unresolved: nothing partial is exposed.
func (session *Session) fail(generation uint64, err error) {
	if session.update(generation, func(state *jobState) {
		state.phase = PhaseFailed
		state.message = err.Error()
		state.settle(err)
	}) {
		session.logger.Error(logMessageFailed, zap.Error(err))
	}
}

func importOutcome(err error) string {
	var malformed *graph.MalformedResultError
	if errors.As(err, &malformed) {
		return metrics.OutcomeMalformed
	}
	return metrics.OutcomeError
}
