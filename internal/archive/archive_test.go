package archive_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/coordination/explorer/internal/archive"
)

const (
	testJobID       = "0cc175b9c0f1b6a831c399e269772661_3_d41d8cd98f00b204e9800998ecf8427e"
	testResultCSV   = "source,target,weight\nalice,bob,0.5\n"
	testBucket      = "results"
	testPrefix      = "/jobs/"
	expectedFileKey = testJobID + ".csv"
)

type stubFetcher struct {
	contents []byte
	err      error
	calls    int
}

func (fetcher *stubFetcher) FetchResultCSV(_ context.Context, jobID string) ([]byte, error) {
	fetcher.calls++
	return fetcher.contents, fetcher.err
}

type recordingPutClient struct {
	mutex  sync.Mutex
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (client *recordingPutClient) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.err != nil {
		return nil, client.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	client.inputs = append(client.inputs, input)
	client.bodies = append(client.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveWritesEverySink(t *testing.T) {
	t.Parallel()

	directory := t.TempDir()
	putClient := &recordingPutClient{}
	fetcher := &stubFetcher{contents: []byte(testResultCSV)}
	archiver := archive.NewArchiver(archive.Config{
		Fetcher: fetcher,
		Sinks:   []archive.Sink{archive.NewDirectorySink(directory), archive.NewS3Sink(putClient, testBucket, testPrefix)},
	})

	locations, err := archiver.Archive(context.Background(), testJobID)
	if err != nil {
		t.Fatalf("Archive returned error: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected one result download, got %d", fetcher.calls)
	}
	if len(locations) != 2 {
		t.Fatalf("expected two locations, got %+v", locations)
	}

	written, err := os.ReadFile(filepath.Join(directory, expectedFileKey))
	if err != nil {
		t.Fatalf("expected archived file: %v", err)
	}
	if string(written) != testResultCSV {
		t.Fatalf("unexpected file contents %q", written)
	}
	if locations[0].Sink != "directory" || locations[0].Location != filepath.Join(directory, expectedFileKey) {
		t.Fatalf("unexpected directory location %+v", locations[0])
	}

	if len(putClient.inputs) != 1 {
		t.Fatalf("expected one upload, got %d", len(putClient.inputs))
	}
	input := putClient.inputs[0]
	if aws.ToString(input.Bucket) != testBucket || aws.ToString(input.Key) != "jobs/"+expectedFileKey {
		t.Fatalf("unexpected upload target %s/%s", aws.ToString(input.Bucket), aws.ToString(input.Key))
	}
	if aws.ToString(input.ContentType) != "text/csv" {
		t.Fatalf("unexpected content type %q", aws.ToString(input.ContentType))
	}
	if string(putClient.bodies[0]) != testResultCSV {
		t.Fatalf("unexpected upload body %q", putClient.bodies[0])
	}
	if locations[1].Sink != "s3" || locations[1].Location != "jobs/"+expectedFileKey {
		t.Fatalf("unexpected s3 location %+v", locations[1])
	}
}

func TestArchiveReportsSinkFailure(t *testing.T) {
	t.Parallel()

	uploadErr := errors.New("access denied")
	directory := t.TempDir()
	archiver := archive.NewArchiver(archive.Config{
		Fetcher: &stubFetcher{contents: []byte(testResultCSV)},
		Sinks: []archive.Sink{
			archive.NewS3Sink(&recordingPutClient{err: uploadErr}, testBucket, ""),
			archive.NewDirectorySink(directory),
		},
	})

	locations, err := archiver.Archive(context.Background(), testJobID)
	if !errors.Is(err, uploadErr) {
		t.Fatalf("expected upload error, got %v", err)
	}
	for _, location := range locations {
		if location.Sink == "s3" {
			t.Fatalf("failed sink must not report a location")
		}
	}
}

func TestArchiveRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	fetchErr := errors.New("unknown job")
	testCases := []struct {
		name     string
		jobID    string
		sinks    []archive.Sink
		fetcher  *stubFetcher
		expected error
	}{
		{name: "empty job id", jobID: " ", sinks: []archive.Sink{archive.NewDirectorySink(t.TempDir())}, fetcher: &stubFetcher{}, expected: archive.ErrEmptyJobID},
		{name: "no sinks", jobID: testJobID, fetcher: &stubFetcher{}, expected: archive.ErrNoSinks},
		{name: "fetch failure", jobID: testJobID, sinks: []archive.Sink{archive.NewDirectorySink(t.TempDir())}, fetcher: &stubFetcher{err: fetchErr}, expected: fetchErr},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			archiver := archive.NewArchiver(archive.Config{Fetcher: testCase.fetcher, Sinks: testCase.sinks})
			if _, err := archiver.Archive(context.Background(), testCase.jobID); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestResultKeyStaysInsideSink(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		jobID    string
		expected string
	}{
		{jobID: "abc", expected: "abc.csv"},
		{jobID: "../etc/passwd", expected: "__etc_passwd.csv"},
		{jobID: " spaced ", expected: "spaced.csv"},
	}
	for _, testCase := range testCases {
		if key := archive.ResultKey(testCase.jobID); key != testCase.expected {
			t.Fatalf("ResultKey(%q) = %q, expected %q", testCase.jobID, key, testCase.expected)
		}
	}
}
