package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coordination/explorer/internal/metrics"
)

const (
	resultFileSuffix = ".csv"

	errMessageNoSinks     = "no archive sinks configured"
	errMessageEmptyJobID  = "job id is empty"
	errMessageFetchResult = "fetch result"
	errMessageSinkFormat  = "%s sink: %w"

	logMessageArchived   = "result archived"
	logMessageSinkFailed = "archive sink failed"
	logFieldJobID        = "job_id"
	logFieldSink         = "sink"
	logFieldLocation     = "location"
	logFieldByteCount    = "bytes"
)

var (
	// ErrNoSinks is returned when an Archiver has nowhere to write.
	ErrNoSinks = errors.New(errMessageNoSinks)
	// ErrEmptyJobID is returned when no job identifier is given.
	ErrEmptyJobID = errors.New(errMessageEmptyJobID)
)

// ResultFetcher downloads the tabular result of a finished job.
type ResultFetcher interface {
	FetchResultCSV(ctx context.Context, jobID string) ([]byte, error)
}

// Config configures an Archiver.
type Config struct {
	Fetcher  ResultFetcher
	Sinks    []Sink
	Logger   *zap.Logger
	Recorder *metrics.Recorder
}

// Archiver copies job results into every configured sink.
type Archiver struct {
	fetcher  ResultFetcher
	sinks    []Sink
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// Location is where one sink stored a result.
type Location struct {
	Sink     string
	Location string
}

// NewArchiver constructs an Archiver.
func NewArchiver(configuration Config) *Archiver {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		fetcher:  configuration.Fetcher,
		sinks:    append([]Sink(nil), configuration.Sinks...),
		logger:   logger,
		recorder: configuration.Recorder,
	}
}

// Archive downloads the result of jobID once and writes it to every sink concurrently.
// The first sink failure is returned; locations of successful writes are reported in
// sink order either way.
func (archiver *Archiver) Archive(ctx context.Context, jobID string) ([]Location, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrEmptyJobID
	}
	if len(archiver.sinks) == 0 {
		return nil, ErrNoSinks
	}
	contents, err := archiver.fetcher.FetchResultCSV(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageFetchResult, err)
	}

	key := ResultKey(jobID)
	locations := make([]string, len(archiver.sinks))
	group, groupContext := errgroup.WithContext(ctx)
	for index, sink := range archiver.sinks {
		index, sink := index, sink
		group.Go(func() error {
			location, putErr := sink.Put(groupContext, key, contents)
			archiver.recorder.ObserveArchiveWrite(sink.Name(), putErr)
			if putErr != nil {
				archiver.logger.Warn(logMessageSinkFailed, zap.String(logFieldJobID, jobID), zap.String(logFieldSink, sink.Name()), zap.Error(putErr))
				return fmt.Errorf(errMessageSinkFormat, sink.Name(), putErr)
			}
			locations[index] = location
			archiver.logger.Info(logMessageArchived, zap.String(logFieldJobID, jobID), zap.String(logFieldSink, sink.Name()), zap.String(logFieldLocation, location), zap.Int(logFieldByteCount, len(contents)))
			return nil
		})
	}
	waitErr := group.Wait()

	written := make([]Location, 0, len(locations))
	for index, location := range locations {
		if location != "" {
			written = append(written, Location{Sink: archiver.sinks[index].Name(), Location: location})
		}
	}
	return written, waitErr
}

// ResultKey names the archived file of a job.
func ResultKey(jobID string) string {
	sanitized := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimSpace(jobID))
	return sanitized + resultFileSuffix
}
