package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the spacing between status requests.
	DefaultPollInterval = 5 * time.Second

	logMessagePollStarted   = "polling job"
	logMessagePollFailed    = "job status poll failed; retrying on next tick"
	logMessagePollStatus    = "job status"
	logMessagePollTerminal  = "job reached terminal status"
	logMessagePollCancelled = "polling cancelled"
	logMessageJobFailed     = "job failed"
	logFieldGeneration      = "generation"
	logFieldMessage         = "message"
)

// StatusFetcher reads a job's status.
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// Ticker delivers poll ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker firing every interval.
type TickerFactory func(interval time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (wrapped timeTicker) C() <-chan time.Time {
	return wrapped.ticker.C
}

func (wrapped timeTicker) Stop() {
	wrapped.ticker.Stop()
}

func newTimeTicker(interval time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(interval)}
}

// Handlers receive the observations of one polling loop. Every callback is optional.
type Handlers struct {
	// Status is called for every successful status observation.
	Status func(JobStatus)
	// TransientError is called for failed polls that will be retried on the next tick.
	TransientError func(error)
	// Done is called once when the loop ends on its own: with a nil error for finished
	// jobs, a *JobError for failed jobs, or ErrJobNotFound. It is not called after Stop.
	Done func(JobStatus, error)
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Fetcher   StatusFetcher
	Interval  time.Duration
	Logger    *zap.Logger
	NewTicker TickerFactory
}

// Poller runs at most one polling loop at a time. Starting a loop cancels the previous
// one, and observations from a cancelled loop are discarded even when their request was
// already in flight.
type Poller struct {
	fetcher   StatusFetcher
	interval  time.Duration
	logger    *zap.Logger
	newTicker TickerFactory

	mutex      sync.Mutex
	generation uint64
	activeJob  string
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewPoller constructs a Poller.
func NewPoller(configuration PollerConfig) *Poller {
	interval := configuration.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newTicker := configuration.NewTicker
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	return &Poller{
		fetcher:   configuration.Fetcher,
		interval:  interval,
		logger:    logger,
		newTicker: newTicker,
	}
}

// Start cancels any running loop and begins polling jobID. With immediate set the first
// status request is sent right away instead of after one interval. It returns the
// generation identifying the new loop.
func (poller *Poller) Start(ctx context.Context, jobID string, immediate bool, handlers Handlers) uint64 {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()

	poller.stopLocked()
	poller.generation++
	generation := poller.generation
	loopContext, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	poller.activeJob = jobID
	poller.cancel = cancel
	poller.done = done

	ticker := poller.newTicker(poller.interval)
	poller.logger.Info(logMessagePollStarted, zap.String(logFieldJobID, jobID), zap.Uint64(logFieldGeneration, generation))
	go poller.loop(loopContext, generation, jobID, immediate, ticker, handlers, done)
	return generation
}

// Stop cancels the running loop, if any. Responses still in flight are discarded.
func (poller *Poller) Stop() {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	poller.stopLocked()
}

// Active reports whether a loop is running and which job it polls.
func (poller *Poller) Active() (string, bool) {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	return poller.activeJob, poller.cancel != nil
}

// Wait blocks until the current loop has exited or ctx ends.
func (poller *Poller) Wait(ctx context.Context) error {
	poller.mutex.Lock()
	done := poller.done
	poller.mutex.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (poller *Poller) stopLocked() {
	if poller.cancel == nil {
		return
	}
	poller.cancel()
	poller.cancel = nil
	poller.activeJob = ""
	poller.generation++
	poller.logger.Debug(logMessagePollCancelled, zap.Uint64(logFieldGeneration, poller.generation))
}

func (poller *Poller) current(generation uint64) bool {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	return poller.generation == generation && poller.cancel != nil
}

// finish retires the loop if it is still current. The caller must deliver Done only
// when finish reports true.
func (poller *Poller) finish(generation uint64) bool {
	poller.mutex.Lock()
	defer poller.mutex.Unlock()
	if poller.generation != generation || poller.cancel == nil {
		return false
	}
	poller.cancel()
	poller.cancel = nil
	poller.activeJob = ""
	return true
}

func (poller *Poller) loop(ctx context.Context, generation uint64, jobID string, immediate bool, ticker Ticker, handlers Handlers, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	if immediate && poller.tick(ctx, generation, jobID, handlers) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if poller.tick(ctx, generation, jobID, handlers) {
				return
			}
		}
	}
}

// tick performs one status request and reports whether the loop should exit.
func (poller *Poller) tick(ctx context.Context, generation uint64, jobID string, handlers Handlers) bool {
	status, err := poller.fetcher.Status(ctx, jobID)
	if !poller.current(generation) {
		return true
	}

	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			if poller.finish(generation) && handlers.Done != nil {
				handlers.Done(JobStatus{JobID: jobID, Status: StatusError, Message: err.Error()}, err)
			}
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		poller.logger.Warn(logMessagePollFailed, zap.String(logFieldJobID, jobID), zap.Error(err))
		if handlers.TransientError != nil {
			handlers.TransientError(err)
		}
		return false
	}

	poller.logger.Debug(logMessagePollStatus, zap.String(logFieldJobID, jobID), zap.String(logFieldStatus, string(status.Status)))
	if handlers.Status != nil {
		handlers.Status(status)
	}
	if !status.Status.Terminal() {
		return false
	}

	if !poller.finish(generation) {
		return true
	}
	jobErr := status.Err()
	if jobErr != nil {
		poller.logger.Error(logMessageJobFailed, zap.String(logFieldJobID, jobID), zap.String(logFieldMessage, status.Message))
	} else {
		poller.logger.Info(logMessagePollTerminal, zap.String(logFieldJobID, jobID), zap.String(logFieldStatus, string(status.Status)))
	}
	if handlers.Done != nil {
		handlers.Done(status, jobErr)
	}
	return true
}
