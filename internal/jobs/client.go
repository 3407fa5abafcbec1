package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/coordination/explorer/internal/fingerprint"
	"github.com/coordination/explorer/internal/graph"
)

const (
	defaultBaseURLString         = "http://127.0.0.1:5000"
	processPath                  = "/jobs/process"
	statusPathFormat             = "/jobs/%s"
	graphPathFormat              = "/jobs/%s/graph"
	resultPathFormat             = "/jobs/%s/result"
	postPathFormat               = "/posts/%s"
	examplesPath                 = "/jobs/examples"
	speedQueryParameter          = "options"
	postQueryParameter           = "id"
	datasetFormField             = "posts"
	exclusionFormField           = "exclude"
	exclusionFileName            = "exclude.csv"
	defaultDatasetFileName       = "dataset.csv"
	contentTypeHeader            = "Content-Type"
	contentTypeJSON              = "application/json"
	acceptHeader                 = "Accept"
	defaultUserAgentHeader       = "User-Agent"
	defaultUserAgentValue        = "Coordination-Explorer/1.0"
	maxErrorBodyBytes            = 1024
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 30 * time.Second
	defaultHTTPTimeout           = 15 * time.Second
	submitRequestCount           = 2

	operationStatus   = "fetch job status"
	operationSubmit   = "submit job"
	operationGraph    = "fetch job graph"
	operationResult   = "fetch job result"
	operationPost     = "fetch post"
	operationExamples = "fetch examples"

	errMessageParseBaseURL   = "parse base url"
	errMessageEncodeRequest  = "encode request"
	errMessageDecodeResponse = "decode response"
	errMessageFingerprint    = "fingerprint submission"

	logMessageReattached = "reattached to existing job"
	logMessageUploading  = "uploading job input"
	logMessageSubmitted  = "job submitted"
	logFieldJobID        = "job_id"
	logFieldFingerprint  = "fingerprint"
	logFieldStatus       = "status"
	logFieldBytes        = "bytes"
)

// Config customizes a Client instance.
type Config struct {
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
}

// Client is an HTTP client for the coordination detection service.
type Client struct {
	client        *http.Client
	baseURL       *url.URL
	logger        *zap.Logger
	submitTimeout time.Duration
	flightGroup   singleflight.Group
}

// NewClient constructs a Client with sensible defaults for HTTP timeouts.
func NewClient(configuration Config) (*Client, error) {
	baseURLString := configuration.BaseURL
	if strings.TrimSpace(baseURLString) == "" {
		baseURLString = defaultBaseURLString
	}
	parsedBaseURL, err := url.Parse(strings.TrimRight(baseURLString, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseBaseURL, err)
	}

	httpClient := configuration.Client
	if httpClient == nil {
		httpClient = newHTTPClient()
	} else {
		clonedClient := *httpClient
		if clonedClient.Transport == nil {
			clonedClient.Transport = defaultTransport()
		}
		httpClient = &clonedClient
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = defaultHTTPTimeout
	}

	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client:        httpClient,
		baseURL:       parsedBaseURL,
		logger:        logger,
		submitTimeout: submitRequestCount * httpClient.Timeout,
	}, nil
}

// Status fetches the current status of a job. It never changes server state. Unknown
// jobs yield ErrJobNotFound.
func (client *Client) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobStatus{}, ErrEmptyJobID
	}
	httpResponse, err := client.get(ctx, operationStatus, client.endpoint(fmt.Sprintf(statusPathFormat, url.PathEscape(jobID)), nil))
	if err != nil {
		return JobStatus{}, err
	}
	defer httpResponse.Body.Close()

	var payload statusPayload
	if err := json.NewDecoder(httpResponse.Body).Decode(&payload); err != nil {
		return JobStatus{}, &TransportError{Op: operationStatus, StatusCode: httpResponse.StatusCode, Err: fmt.Errorf("%s: %w", errMessageDecodeResponse, err)}
	}
	return payload.jobStatus(jobID), nil
}

// Submit fingerprints the submission and reattaches to the job of that fingerprint when
// the service already knows it. Only unknown fingerprints are uploaded. Concurrent
// submissions of the same input share one request, which outlives the cancellation of
// any single caller and is bounded by the client timeout instead.
func (client *Client) Submit(ctx context.Context, submission Submission) (JobHandle, error) {
	jobFingerprint, err := submission.Fingerprint()
	if err != nil {
		if errors.Is(err, ErrEmptySubmission) {
			return JobHandle{}, err
		}
		return JobHandle{}, fmt.Errorf("%s: %w", errMessageFingerprint, err)
	}

	resultChannel := client.flightGroup.DoChan(jobFingerprint, func() (interface{}, error) {
		sharedContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), client.submitTimeout)
		defer cancel()
		return client.submit(sharedContext, jobFingerprint, submission)
	})
	select {
	case <-ctx.Done():
		return JobHandle{}, ctx.Err()
	case result := <-resultChannel:
		if result.Err != nil {
			return JobHandle{}, result.Err
		}
		handle, _ := result.Val.(JobHandle)
		return handle, nil
	}
}

func (client *Client) submit(ctx context.Context, jobFingerprint string, submission Submission) (JobHandle, error) {
	existing, err := client.Status(ctx, jobFingerprint)
	switch {
	case err == nil:
		client.logger.Info(logMessageReattached, zap.String(logFieldJobID, existing.JobID), zap.String(logFieldStatus, string(existing.Status)))
		return JobHandle{JobID: existing.JobID, Fingerprint: jobFingerprint, Status: existing, Reattached: true}, nil
	case !errors.Is(err, ErrJobNotFound):
		return JobHandle{}, err
	}

	var httpRequest *http.Request
	if submission.IsDataset() {
		httpRequest, err = client.datasetRequest(ctx, submission)
	} else {
		httpRequest, err = client.configRequest(ctx, submission)
	}
	if err != nil {
		return JobHandle{}, err
	}

	httpResponse, err := client.do(operationSubmit, httpRequest)
	if err != nil {
		return JobHandle{}, err
	}
	defer httpResponse.Body.Close()

	var payload statusPayload
	if err := json.NewDecoder(httpResponse.Body).Decode(&payload); err != nil {
		return JobHandle{}, &TransportError{Op: operationSubmit, StatusCode: httpResponse.StatusCode, Err: fmt.Errorf("%s: %w", errMessageDecodeResponse, err)}
	}
	status := payload.jobStatus(jobFingerprint)
	client.logger.Info(logMessageSubmitted, zap.String(logFieldJobID, status.JobID), zap.String(logFieldFingerprint, jobFingerprint), zap.String(logFieldStatus, string(status.Status)))
	return JobHandle{JobID: status.JobID, Fingerprint: jobFingerprint, Status: status}, nil
}

func (client *Client) datasetRequest(ctx context.Context, submission Submission) (*http.Request, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	datasetName := submission.DatasetName
	if strings.TrimSpace(datasetName) == "" {
		datasetName = defaultDatasetFileName
	}
	datasetPart, err := writer.CreateFormFile(datasetFormField, datasetName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	if _, err := datasetPart.Write(submission.Dataset); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	exclusionPart, err := writer.CreateFormFile(exclusionFormField, exclusionFileName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	if _, err := exclusionPart.Write(fingerprint.ExclusionBlob(submission.Exclusions)); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}

	client.logger.Info(logMessageUploading, zap.Int(logFieldBytes, body.Len()))
	query := url.Values{speedQueryParameter: []string{strconv.Itoa(submission.EffectiveSpeed())}}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint(processPath, query), &body)
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set(contentTypeHeader, writer.FormDataContentType())
	return httpRequest, nil
}

func (client *Client) configRequest(ctx context.Context, submission Submission) (*http.Request, error) {
	encoded, err := fingerprint.CanonicalJSON(submission.JobConfig())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageEncodeRequest, err)
	}
	client.logger.Info(logMessageUploading, zap.Int(logFieldBytes, len(encoded)))
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint(processPath, nil), bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	httpRequest.Header.Set(contentTypeHeader, contentTypeJSON)
	return httpRequest, nil
}

// FetchResult downloads and validates the graph of a finished job.
func (client *Client) FetchResult(ctx context.Context, jobID string) (graph.RawResult, error) {
	if strings.TrimSpace(jobID) == "" {
		return graph.RawResult{}, ErrEmptyJobID
	}
	payload, err := client.fetchBytes(ctx, operationGraph, fmt.Sprintf(graphPathFormat, url.PathEscape(jobID)), nil)
	if err != nil {
		return graph.RawResult{}, err
	}
	return graph.DecodeRawResult(payload)
}

// FetchResultCSV downloads the tabular result of a finished job unchanged.
func (client *Client) FetchResultCSV(ctx context.Context, jobID string) ([]byte, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, ErrEmptyJobID
	}
	return client.fetchBytes(ctx, operationResult, fmt.Sprintf(resultPathFormat, url.PathEscape(jobID)), nil)
}

// FetchPost looks up a single post of a job.
func (client *Client) FetchPost(ctx context.Context, jobID string, postID string) (Post, error) {
	if strings.TrimSpace(jobID) == "" {
		return Post{}, ErrEmptyJobID
	}
	query := url.Values{postQueryParameter: []string{postID}}
	payload, err := client.fetchBytes(ctx, operationPost, fmt.Sprintf(postPathFormat, url.PathEscape(jobID)), query)
	if err != nil {
		return Post{}, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Post{}, &TransportError{Op: operationPost, StatusCode: http.StatusOK, Err: fmt.Errorf("%s: %w", errMessageDecodeResponse, err)}
	}
	return Post{
		Text:       decodeMessage(fields["text"]),
		Timestamp:  decodeMessage(fields["timestamp"]),
		ScreenName: decodeMessage(fields["screenName"]),
		PostID:     decodeMessage(fields["postId"]),
		UserID:     decodeMessage(fields["userId"]),
	}, nil
}

// Examples fetches the catalog of preconfigured jobs.
func (client *Client) Examples(ctx context.Context) ([]Example, error) {
	payload, err := client.fetchBytes(ctx, operationExamples, examplesPath, nil)
	if err != nil {
		return nil, err
	}
	var examples []Example
	if err := json.Unmarshal(payload, &examples); err != nil {
		return nil, &TransportError{Op: operationExamples, StatusCode: http.StatusOK, Err: fmt.Errorf("%s: %w", errMessageDecodeResponse, err)}
	}
	return examples, nil
}

func (client *Client) fetchBytes(ctx context.Context, operation string, path string, query url.Values) ([]byte, error) {
	httpResponse, err := client.get(ctx, operation, client.endpoint(path, query))
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, &TransportError{Op: operation, StatusCode: httpResponse.StatusCode, Err: err}
	}
	return payload, nil
}

func (client *Client) get(ctx context.Context, operation string, requestURL string) (*http.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	return client.do(operation, httpRequest)
}

// do sends the request and returns the response only for 2xx statuses. 404 is reported
// as ErrJobNotFound; every other failure as a TransportError.
func (client *Client) do(operation string, httpRequest *http.Request) (*http.Response, error) {
	httpRequest.Header.Set(defaultUserAgentHeader, defaultUserAgentValue)
	httpRequest.Header.Set(acceptHeader, contentTypeJSON)

	httpResponse, err := client.client.Do(httpRequest)
	if err != nil {
		if ctxErr := httpRequest.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: operation, Err: err}
	}
	if httpResponse.StatusCode >= 200 && httpResponse.StatusCode < 300 {
		return httpResponse, nil
	}

	io.Copy(io.Discard, io.LimitReader(httpResponse.Body, maxErrorBodyBytes))
	httpResponse.Body.Close()
	if httpResponse.StatusCode == http.StatusNotFound {
		return nil, ErrJobNotFound
	}
	return nil, &TransportError{Op: operation, StatusCode: httpResponse.StatusCode}
}

func (client *Client) endpoint(path string, query url.Values) string {
	endpoint := *client.baseURL
	endpoint.Path = strings.TrimRight(client.baseURL.Path, "/") + path
	endpoint.RawPath = ""
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String()
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   defaultHTTPTimeout,
		Transport: defaultTransport(),
	}
}

func defaultTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxConnsPerHost:       100,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}
}
