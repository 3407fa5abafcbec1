package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/coordination/explorer/internal/anonymizer"
	"github.com/coordination/explorer/internal/archive"
	"github.com/coordination/explorer/internal/catalog"
	"github.com/coordination/explorer/internal/dataset"
	"github.com/coordination/explorer/internal/jobs"
	"github.com/coordination/explorer/internal/metrics"
	"github.com/coordination/explorer/internal/server"
	"github.com/coordination/explorer/internal/session"
)

const (
	errMessageLoggerCreate    = "create logger"
	errMessageClientCreate    = "create job client"
	errMessageSessionCreate   = "create session"
	errMessageRouterCreate    = "create router"
	errMessageRegisterMetrics = "register metrics"
	errMessageReadDataset     = "read dataset"
	errMessageLoadCatalog     = "load example catalog"
	errMessageS3Client        = "create s3 client"
	errMessageListenAndServe  = "listen and serve"
	errMessageSourceRequired  = "exactly one of --dataset or --example is required"
	errMessageNoArchiveSinks  = "configure --archive-dir or --s3-bucket"
	errMessageJobFailed       = "job did not complete"

	logMessageStartingServer = "starting HTTP server"
	logMessageServerStopped  = "server stopped"
	logMessageShutdownFailed = "server shutdown failed"
	logMessageCloseFailed    = "session close failed"
	logFieldAddress          = "address"

	submittedMessageFormat   = "job %s submitted (fingerprint %s, reattached %t)\n"
	attachedMessageFormat    = "attached to job %s\n"
	readyMessageFormat       = "job %s ready: %d nodes, %d edges, %d communities\n"
	emptyMessageFormat       = "job %s ready: no coordinated accounts found\n"
	archivedMessageFormat    = "%s: %s\n"
	exampleLineFormat        = "%s\n"
	serverAddressFormat      = "%s:%d"
	defaultShutdownTimeout   = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

var (
	errSourceRequired = errors.New(errMessageSourceRequired)
	errNoArchiveSinks = errors.New(errMessageNoArchiveSinks)
)

// ExplorerConfiguration collects the resolved flag and environment values.
type ExplorerConfiguration struct {
	BaseURL          string
	PollInterval     time.Duration
	HTTPTimeout      time.Duration
	Anonymous        bool
	CatalogPath      string
	Debug            bool
	Host             string
	Port             int
	ArchiveDirectory string
	S3               S3Configuration
}

// S3Configuration describes the optional S3 archive sink.
type S3Configuration struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// SubmitOptions selects the job input of the submit command.
type SubmitOptions struct {
	DatasetPath  string
	ExampleLabel string
	Exclusions   string
	Hashtags     string
	Speed        int
	Serve        bool
}

// ExplorerDependencies are the side effects of the CLI, replaceable in tests.
type ExplorerDependencies struct {
	ReadFile       func(string) ([]byte, error)
	NewLogger      func(debug bool) (*zap.Logger, error)
	NewS3Client    func(context.Context, archive.S3Config) (archive.S3PutAPI, error)
	ListenAndServe func(ctx context.Context, address string, handler http.Handler) error
	Stdout         io.Writer
}

// ExplorerApplication wires the job client, the session and the HTTP API together.
type ExplorerApplication struct {
	configuration ExplorerConfiguration
	dependencies  ExplorerDependencies
}

// NewExplorerApplication builds an application with production dependencies.
func NewExplorerApplication(configuration ExplorerConfiguration) ExplorerApplication {
	return NewExplorerApplicationWithDependencies(configuration, newDefaultExplorerDependencies())
}

// NewExplorerApplicationWithDependencies fills unset dependencies with the defaults.
func NewExplorerApplicationWithDependencies(configuration ExplorerConfiguration, dependencies ExplorerDependencies) ExplorerApplication {
	defaultDependencies := newDefaultExplorerDependencies()

	if dependencies.ReadFile == nil {
		dependencies.ReadFile = defaultDependencies.ReadFile
	}
	if dependencies.NewLogger == nil {
		dependencies.NewLogger = defaultDependencies.NewLogger
	}
	if dependencies.NewS3Client == nil {
		dependencies.NewS3Client = defaultDependencies.NewS3Client
	}
	if dependencies.ListenAndServe == nil {
		dependencies.ListenAndServe = defaultDependencies.ListenAndServe
	}
	if dependencies.Stdout == nil {
		dependencies.Stdout = defaultDependencies.Stdout
	}

	return ExplorerApplication{configuration: configuration, dependencies: dependencies}
}

// Submit sends a dataset or an example job, then either waits for the derived graph or
// serves it.
func (application ExplorerApplication) Submit(executionContext context.Context, options SubmitOptions) error {
	hasDataset := strings.TrimSpace(options.DatasetPath) != ""
	hasExample := strings.TrimSpace(options.ExampleLabel) != ""
	if hasDataset == hasExample {
		return errSourceRequired
	}

	return application.withSession(executionContext, func(runtime explorerRuntime) error {
		request, err := application.buildRequest(executionContext, runtime.client, options)
		if err != nil {
			return err
		}
		handle, err := runtime.session.Submit(executionContext, request)
		if err != nil {
			return err
		}
		fmt.Fprintf(application.dependencies.Stdout, submittedMessageFormat, handle.JobID, handle.Fingerprint, handle.Reattached)
		if options.Serve {
			return application.serve(executionContext, runtime)
		}
		return application.awaitGraph(executionContext, runtime.session)
	})
}

// Attach follows an existing job by identifier.
func (application ExplorerApplication) Attach(executionContext context.Context, jobID string, serve bool) error {
	return application.withSession(executionContext, func(runtime explorerRuntime) error {
		if err := runtime.session.Attach(jobID); err != nil {
			return err
		}
		fmt.Fprintf(application.dependencies.Stdout, attachedMessageFormat, strings.TrimSpace(jobID))
		if serve {
			return application.serve(executionContext, runtime)
		}
		return application.awaitGraph(executionContext, runtime.session)
	})
}

// Serve exposes the exploration API, optionally attached to a job from the start.
func (application ExplorerApplication) Serve(executionContext context.Context, jobID string) error {
	return application.withSession(executionContext, func(runtime explorerRuntime) error {
		if strings.TrimSpace(jobID) != "" {
			if err := runtime.session.Attach(jobID); err != nil {
				return err
			}
		}
		return application.serve(executionContext, runtime)
	})
}

// Examples prints the labels of the example catalog.
func (application ExplorerApplication) Examples(executionContext context.Context) error {
	logger, err := application.dependencies.NewLogger(application.configuration.Debug)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	client, err := application.newClient(logger)
	if err != nil {
		return err
	}
	exampleCatalog, err := application.loadCatalog(executionContext, client)
	if err != nil {
		return err
	}
	for _, label := range exampleCatalog.Labels() {
		fmt.Fprintf(application.dependencies.Stdout, exampleLineFormat, label)
	}
	return nil
}

// Download archives the result CSV of a finished job to every configured sink.
func (application ExplorerApplication) Download(executionContext context.Context, jobID string) error {
	logger, err := application.dependencies.NewLogger(application.configuration.Debug)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	client, err := application.newClient(logger)
	if err != nil {
		return err
	}
	sinks, err := application.archiveSinks(executionContext)
	if err != nil {
		return err
	}
	archiver := archive.NewArchiver(archive.Config{
		Fetcher:  client,
		Sinks:    sinks,
		Logger:   logger,
		Recorder: metrics.NewRecorder(),
	})
	locations, err := archiver.Archive(executionContext, jobID)
	if err != nil {
		return err
	}
	for _, location := range locations {
		fmt.Fprintf(application.dependencies.Stdout, archivedMessageFormat, location.Sink, location.Location)
	}
	return nil
}

type explorerRuntime struct {
	logger   *zap.Logger
	client   *jobs.Client
	session  *session.Session
	recorder *metrics.Recorder
}

func (application ExplorerApplication) withSession(executionContext context.Context, run func(explorerRuntime) error) error {
	logger, err := application.dependencies.NewLogger(application.configuration.Debug)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	client, err := application.newClient(logger)
	if err != nil {
		return err
	}
	recorder := metrics.NewRecorder()
	explorerSession, err := session.New(session.Config{
		Service:      client,
		Anonymizer:   anonymizer.New(application.configuration.Anonymous),
		PollInterval: application.configuration.PollInterval,
		Logger:       logger,
		Recorder:     recorder,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageSessionCreate, err)
	}
	defer func() {
		closeContext, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if closeErr := explorerSession.Close(closeContext); closeErr != nil {
			logger.Warn(logMessageCloseFailed, zap.Error(closeErr))
		}
	}()

	return run(explorerRuntime{logger: logger, client: client, session: explorerSession, recorder: recorder})
}

func (application ExplorerApplication) newClient(logger *zap.Logger) (*jobs.Client, error) {
	httpClient := &http.Client{Timeout: application.configuration.HTTPTimeout}
	client, err := jobs.NewClient(jobs.Config{
		BaseURL: application.configuration.BaseURL,
		Client:  httpClient,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageClientCreate, err)
	}
	return client, nil
}

func (application ExplorerApplication) buildRequest(executionContext context.Context, client *jobs.Client, options SubmitOptions) (session.Request, error) {
	exclusions := dataset.ParseExclusions(options.Exclusions)
	if strings.TrimSpace(options.DatasetPath) != "" {
		contents, err := application.dependencies.ReadFile(options.DatasetPath)
		if err != nil {
			return session.Request{}, fmt.Errorf("%s: %w", errMessageReadDataset, err)
		}
		index, err := dataset.ReadBytes(contents)
		if err != nil {
			return session.Request{}, fmt.Errorf("%s: %w", errMessageReadDataset, err)
		}
		return session.Request{
			Submission: jobs.Submission{
				DatasetName: filepath.Base(options.DatasetPath),
				Dataset:     contents,
				Exclusions:  exclusions,
				Speed:       options.Speed,
			},
			Identities: index.ScreenNames(),
			Posts:      index,
		}, nil
	}

	exampleCatalog, err := application.loadCatalog(executionContext, client)
	if err != nil {
		return session.Request{}, err
	}
	submission, err := exampleCatalog.Submission(options.ExampleLabel, options.Speed, exclusions, strings.Fields(options.Hashtags))
	if err != nil {
		return session.Request{}, err
	}
	return session.Request{Submission: submission}, nil
}

func (application ExplorerApplication) loadCatalog(executionContext context.Context, client *jobs.Client) (*catalog.Catalog, error) {
	var (
		exampleCatalog *catalog.Catalog
		err            error
	)
	if path := strings.TrimSpace(application.configuration.CatalogPath); path != "" {
		exampleCatalog, err = catalog.LoadFile(path)
	} else {
		exampleCatalog, err = catalog.Fetch(executionContext, client)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoadCatalog, err)
	}
	return exampleCatalog, nil
}

func (application ExplorerApplication) awaitGraph(executionContext context.Context, explorerSession *session.Session) error {
	if err := explorerSession.WaitReady(executionContext); err != nil {
		return fmt.Errorf("%s: %w", errMessageJobFailed, err)
	}
	snapshot := explorerSession.Snapshot()
	model, _ := explorerSession.Model()
	if model.Empty {
		fmt.Fprintf(application.dependencies.Stdout, emptyMessageFormat, snapshot.JobID)
		return nil
	}
	view := explorerSession.View()
	fmt.Fprintf(
		application.dependencies.Stdout,
		readyMessageFormat,
		snapshot.JobID,
		len(view.Nodes()),
		len(view.Edges()),
		len(model.Communities),
	)
	return nil
}

func (application ExplorerApplication) serve(executionContext context.Context, runtime explorerRuntime) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := runtime.recorder.Register(registry); err != nil {
		return fmt.Errorf("%s: %w", errMessageRegisterMetrics, err)
	}

	router, err := server.NewRouter(server.RouterConfig{
		Session:  runtime.session,
		Gatherer: registry,
		Logger:   runtime.logger,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRouterCreate, err)
	}

	address := fmt.Sprintf(serverAddressFormat, application.configuration.Host, application.configuration.Port)
	runtime.logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))
	if err := application.dependencies.ListenAndServe(executionContext, address, router); err != nil {
		return fmt.Errorf("%s: %w", errMessageListenAndServe, err)
	}
	runtime.logger.Info(logMessageServerStopped)
	return nil
}

func (application ExplorerApplication) archiveSinks(executionContext context.Context) ([]archive.Sink, error) {
	var sinks []archive.Sink
	if directory := strings.TrimSpace(application.configuration.ArchiveDirectory); directory != "" {
		sinks = append(sinks, archive.NewDirectorySink(directory))
	}
	s3Configuration := application.configuration.S3
	if strings.TrimSpace(s3Configuration.Bucket) != "" {
		client, err := application.dependencies.NewS3Client(executionContext, archive.S3Config{
			Region:    s3Configuration.Region,
			Endpoint:  s3Configuration.Endpoint,
			AccessKey: s3Configuration.AccessKey,
			SecretKey: s3Configuration.SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", errMessageS3Client, err)
		}
		sinks = append(sinks, archive.NewS3Sink(client, s3Configuration.Bucket, s3Configuration.Prefix))
	}
	if len(sinks) == 0 {
		return nil, errNoArchiveSinks
	}
	return sinks, nil
}

func newDefaultExplorerDependencies() ExplorerDependencies {
	return ExplorerDependencies{
		ReadFile:  os.ReadFile,
		NewLogger: newLogger,
		NewS3Client: func(executionContext context.Context, configuration archive.S3Config) (archive.S3PutAPI, error) {
			return archive.NewS3Client(executionContext, configuration)
		},
		ListenAndServe: defaultListenAndServe,
		Stdout:         os.Stdout,
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// defaultListenAndServe runs the HTTP server until the context ends, then shuts it down.
func defaultListenAndServe(executionContext context.Context, address string, handler http.Handler) error {
	httpServer := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: defaultReadHeaderTimeout}
	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-executionContext.Done():
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("%s: %w", logMessageShutdownFailed, err)
	}
	return nil
}
