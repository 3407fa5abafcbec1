package session_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/coordination/explorer/internal/graph"
	"github.com/coordination/explorer/internal/jobs"
	"github.com/coordination/explorer/internal/session"
)

const (
	sessionTestTimeout      = 3 * time.Second
	sessionTestPollInterval = 5 * time.Millisecond

	triangleResult = `{
		"nodes": [
			{"key": "a", "attributes": {"label": "alice", "community": 1}},
			{"key": "b", "attributes": {"label": "bob", "community": 1}},
			{"key": "c", "attributes": {"label": "carol", "community": 2}}
		],
		"edges": [
			{"source": "a", "target": "b", "attributes": {"size": 10, "hashtags": ["x"]}},
			{"source": "b", "target": "c", "attributes": {"size": 20, "hashtags": ["y"]}},
			{"source": "a", "target": "c", "attributes": {"size": 30, "hashtags": ["x", "y"]}}
		]
	}`
	isolatedResult = `{
		"nodes": [{"key": "z", "attributes": {"label": "zed", "community": 3}}],
		"edges": []
	}`
	duplicatePairResult = `{
		"nodes": [
			{"key": "a", "attributes": {"label": "alice", "community": 1}},
			{"key": "b", "attributes": {"label": "bob", "community": 1}}
		],
		"edges": [
			{"source": "a", "target": "b", "attributes": {"size": 1, "hashtags": ["x"]}},
			{"source": "b", "target": "a", "attributes": {"size": 2, "hashtags": ["y"]}}
		]
	}`
)

// fakeJobService keeps jobs in memory, keyed by submission fingerprint.
type fakeJobService struct {
	mutex       sync.Mutex
	known       map[string]jobs.JobStatus
	progression map[string][]jobs.Status
	failures    map[string]string
	results     map[string]string
	resultErr   map[string]error
	resultGates map[string]chan struct{}
	uploads     int
	fetches     map[string]int
	posts       map[string]jobs.Post
}

func newFakeJobService() *fakeJobService {
	return &fakeJobService{
		known:       map[string]jobs.JobStatus{},
		progression: map[string][]jobs.Status{},
		failures:    map[string]string{},
		results:     map[string]string{},
		resultErr:   map[string]error{},
		resultGates: map[string]chan struct{}{},
		fetches:     map[string]int{},
		posts:       map[string]jobs.Post{},
	}
}

func (service *fakeJobService) Submit(_ context.Context, submission jobs.Submission) (jobs.JobHandle, error) {
	jobID, err := submission.Fingerprint()
	if err != nil {
		return jobs.JobHandle{}, err
	}
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if status, found := service.known[jobID]; found {
		return jobs.JobHandle{JobID: jobID, Fingerprint: jobID, Status: status, Reattached: true}, nil
	}
	service.uploads++
	status := jobs.JobStatus{JobID: jobID, Status: jobs.StatusQueued}
	service.known[jobID] = status
	return jobs.JobHandle{JobID: jobID, Fingerprint: jobID, Status: status}, nil
}

func (service *fakeJobService) Status(_ context.Context, jobID string) (jobs.JobStatus, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	status, found := service.known[jobID]
	if !found {
		return jobs.JobStatus{}, jobs.ErrJobNotFound
	}
	if queue := service.progression[jobID]; len(queue) > 0 {
		status.Status = queue[0]
		service.progression[jobID] = queue[1:]
	} else if message, failed := service.failures[jobID]; failed {
		status.Status = jobs.StatusError
		status.Message = message
	} else {
		status.Status = jobs.StatusFinished
	}
	service.known[jobID] = status
	return status, nil
}

func (service *fakeJobService) FetchResult(ctx context.Context, jobID string) (graph.RawResult, error) {
	service.mutex.Lock()
	service.fetches[jobID]++
	gate := service.resultGates[jobID]
	payload := service.results[jobID]
	fetchErr := service.resultErr[jobID]
	service.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return graph.RawResult{}, ctx.Err()
		}
	}
	if fetchErr != nil {
		return graph.RawResult{}, fetchErr
	}
	return graph.DecodeRawResult([]byte(payload))
}

func (service *fakeJobService) FetchPost(_ context.Context, jobID string, postID string) (jobs.Post, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	post, found := service.posts[postID]
	if !found {
		return jobs.Post{}, jobs.ErrJobNotFound
	}
	return post, nil
}

func (service *fakeJobService) prepare(jobID string, result string, progression ...jobs.Status) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.results[jobID] = result
	service.progression[jobID] = progression
}

func (service *fakeJobService) uploadCount() int {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return service.uploads
}

func (service *fakeJobService) fetchCount(jobID string) int {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return service.fetches[jobID]
}

func (service *fakeJobService) setResultError(jobID string, err error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if err == nil {
		delete(service.resultErr, jobID)
		return
	}
	service.resultErr[jobID] = err
}

type mapPosts map[string]jobs.Post

func (posts mapPosts) Post(postID string) (jobs.Post, bool) {
	post, found := posts[postID]
	return post, found
}

func newTestSession(t *testing.T, service *fakeJobService) *session.Session {
	t.Helper()
	instance, err := session.New(session.Config{Service: service, PollInterval: sessionTestPollInterval})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTestTimeout)
		defer cancel()
		instance.Close(ctx)
	})
	return instance
}

func waitReady(t *testing.T, instance *session.Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), sessionTestTimeout)
	defer cancel()
	err := instance.WaitReady(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("job did not settle: %+v", instance.Snapshot())
	}
	return err
}

func datasetSubmission(contents string) jobs.Submission {
	return jobs.Submission{DatasetName: "posts.csv", Dataset: []byte(contents), Exclusions: []string{"spam"}}
}

func fingerprintOf(t *testing.T, submission jobs.Submission) string {
	t.Helper()
	jobID, err := submission.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint returned error: %v", err)
	}
	return jobID
}

func TestSubmitPollsImportsAndDerives(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	submission := datasetSubmission("Screen_Name\ncarol\nbob\n")
	jobID := fingerprintOf(t, submission)
	service.prepare(jobID, triangleResult, jobs.StatusRunning, jobs.StatusRunning)
	instance := newTestSession(t, service)

	if view := instance.View(); view.Ready() {
		t.Fatalf("expected empty view before submission")
	}
	handle, err := instance.Submit(context.Background(), session.Request{
		Submission: submission,
		Identities: []string{"carol", "bob"},
	})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if handle.JobID != jobID || handle.Reattached {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}

	snapshot := instance.Snapshot()
	if snapshot.Phase != session.PhaseReady || !snapshot.Ready || snapshot.Processing || snapshot.Status != jobs.StatusFinished {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	view := instance.View()
	if !view.Ready() || len(view.Nodes()) != 3 || len(view.Edges()) != 3 {
		t.Fatalf("expected derived triangle, got ready=%v", view.Ready())
	}
	edge, _ := view.EdgeBetween("c", "a")
	if edge.Weight != 1 {
		t.Fatalf("expected strongest edge to weigh 1, got %v", edge.Weight)
	}
	model, ready := instance.Model()
	if !ready || model.MaxDegree != 2 {
		t.Fatalf("unexpected model %+v", model)
	}
	if identities := model.Pseudonyms.Identities(); !reflect.DeepEqual(identities, []string{"carol", "bob", "alice"}) {
		t.Fatalf("unexpected pseudonym order %v", identities)
	}
	if label := instance.Namer().ToPseudonym("carol"); label != "Alligator_1" {
		t.Fatalf("expected carol to be Alligator_1, got %q", label)
	}
	instance.SetAnonymous(false)
	if label := instance.Namer().ToPseudonym("carol"); label != "carol" {
		t.Fatalf("expected real name with anonymous mode off, got %q", label)
	}
	if service.fetchCount(jobID) != 1 {
		t.Fatalf("expected exactly one result fetch, got %d", service.fetchCount(jobID))
	}
}

func TestResubmitReattachesWithoutUpload(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	submission := datasetSubmission("Screen_Name\nalice\n")
	jobID := fingerprintOf(t, submission)
	service.prepare(jobID, triangleResult)
	instance := newTestSession(t, service)

	if _, err := instance.Submit(context.Background(), session.Request{Submission: submission}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}

	handle, err := instance.Submit(context.Background(), session.Request{Submission: submission})
	if err != nil {
		t.Fatalf("second Submit returned error: %v", err)
	}
	if !handle.Reattached || handle.JobID != jobID {
		t.Fatalf("expected reattachment to %s, got %+v", jobID, handle)
	}
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	if service.uploadCount() != 1 {
		t.Fatalf("expected a single upload, got %d", service.uploadCount())
	}
	if !instance.View().Ready() {
		t.Fatalf("expected graph after reattachment")
	}
}

func TestJobErrorIsTerminal(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	submission := datasetSubmission("broken")
	jobID := fingerprintOf(t, submission)
	service.failures[jobID] = "dataset has no rows"
	instance := newTestSession(t, service)

	if _, err := instance.Submit(context.Background(), session.Request{Submission: submission}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	err := waitReady(t, instance)
	var jobErr *jobs.JobError
	if !errors.As(err, &jobErr) || jobErr.Message != "dataset has no rows" {
		t.Fatalf("expected JobError, got %v", err)
	}
	snapshot := instance.Snapshot()
	if snapshot.Phase != session.PhaseFailed || snapshot.Status != jobs.StatusError || snapshot.Message == "" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if service.fetchCount(jobID) != 0 {
		t.Fatalf("failed jobs must not fetch results")
	}
}

func TestFetchFailureLeavesJobUnresolved(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	submission := datasetSubmission("Screen_Name\nalice\n")
	jobID := fingerprintOf(t, submission)
	service.prepare(jobID, triangleResult)
	fetchErr := &jobs.TransportError{Op: "fetch job graph", StatusCode: 502}
	service.setResultError(jobID, fetchErr)
	instance := newTestSession(t, service)

	if _, err := instance.Submit(context.Background(), session.Request{Submission: submission}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := waitReady(t, instance); !errors.Is(err, fetchErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	snapshot := instance.Snapshot()
	if snapshot.Ready || snapshot.Phase != session.PhaseFailed || snapshot.Status != jobs.StatusFinished {
		t.Fatalf("expected unresolved finished job, got %+v", snapshot)
	}
	if instance.View().Ready() {
		t.Fatalf("expected no graph after failed fetch")
	}

	service.setResultError(jobID, nil)
	handle, err := instance.Submit(context.Background(), session.Request{Submission: submission})
	if err != nil {
		t.Fatalf("resubmit returned error: %v", err)
	}
	if !handle.Reattached {
		t.Fatalf("expected resubmission to reattach")
	}
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("WaitReady after resubmit returned error: %v", err)
	}
	if service.fetchCount(jobID) != 2 {
		t.Fatalf("expected a second fetch attempt, got %d", service.fetchCount(jobID))
	}
}

func TestMalformedResultExposesNothing(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	submission := datasetSubmission("Screen_Name\nalice\nbob\n")
	jobID := fingerprintOf(t, submission)
	service.prepare(jobID, duplicatePairResult)
	instance := newTestSession(t, service)

	if _, err := instance.Submit(context.Background(), session.Request{Submission: submission}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	err := waitReady(t, instance)
	var malformed *graph.MalformedResultError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResultError, got %v", err)
	}
	if instance.View().Ready() {
		t.Fatalf("expected no graph after malformed result")
	}
	if err := instance.MoveNode("a", 1, 1); !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestEmptyGraphIsReady(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	submission := datasetSubmission("Screen_Name\nzed\n")
	jobID := fingerprintOf(t, submission)
	service.prepare(jobID, isolatedResult)
	instance := newTestSession(t, service)

	if _, err := instance.Submit(context.Background(), session.Request{Submission: submission}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("empty graph must not fail the job: %v", err)
	}
	model, ready := instance.Model()
	if !ready || !model.Empty {
		t.Fatalf("expected empty model, got %+v", model)
	}
	if view := instance.View(); !view.Ready() || len(view.Nodes()) != 1 {
		t.Fatalf("expected isolated node in view")
	}
}

func TestNewSubmissionDiscardsSupersededResult(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	first := datasetSubmission("Screen_Name\nfirst\n")
	second := datasetSubmission("Screen_Name\nsecond\n")
	firstID := fingerprintOf(t, first)
	secondID := fingerprintOf(t, second)
	service.prepare(firstID, triangleResult)
	service.prepare(secondID, isolatedResult)
	gate := make(chan struct{})
	service.mutex.Lock()
	service.resultGates[firstID] = gate
	service.mutex.Unlock()
	instance := newTestSession(t, service)

	if _, err := instance.Submit(context.Background(), session.Request{Submission: first}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	deadline := time.Now().Add(sessionTestTimeout)
	for service.fetchCount(firstID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first result was never requested")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := instance.Submit(context.Background(), session.Request{Submission: second}); err != nil {
		t.Fatalf("second Submit returned error: %v", err)
	}
	close(gate)
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	if snapshot := instance.Snapshot(); snapshot.JobID != secondID {
		t.Fatalf("expected second job to be current, got %+v", snapshot)
	}
	time.Sleep(20 * time.Millisecond)
	view := instance.View()
	if len(view.Nodes()) != 1 {
		t.Fatalf("superseded result leaked into the store: %d nodes", len(view.Nodes()))
	}
	if _, found := view.Node("z"); !found {
		t.Fatalf("expected second job's node")
	}
}

func TestAttachPollsImmediately(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	const jobID = "known-job"
	service.known[jobID] = jobs.JobStatus{JobID: jobID, Status: jobs.StatusFinished}
	service.prepare(jobID, triangleResult)
	instance, err := session.New(session.Config{Service: service, PollInterval: time.Hour})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer instance.Close(context.Background())

	if err := instance.Attach(jobID); err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}
	if err := waitReady(t, instance); err != nil {
		t.Fatalf("WaitReady returned error: %v", err)
	}
	if service.uploadCount() != 0 {
		t.Fatalf("attach must not upload")
	}

	if err := instance.Attach("missing-job"); err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}
	if err := waitReady(t, instance); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := instance.Attach(" "); !errors.Is(err, jobs.ErrEmptyJobID) {
		t.Fatalf("expected ErrEmptyJobID, got %v", err)
	}
}

func TestPostPrefersLocalRows(t *testing.T) {
	t.Parallel()

	service := newFakeJobService()
	service.posts["remote"] = jobs.Post{PostID: "remote", Text: "from service"}
	submission := datasetSubmission("Screen_Name\nalice\n")
	service.prepare(fingerprintOf(t, submission), triangleResult)
	instance := newTestSession(t, service)

	if _, err := instance.Post(context.Background(), "remote"); !errors.Is(err, session.ErrNoJob) {
		t.Fatalf("expected ErrNoJob before submission, got %v", err)
	}
	local := mapPosts{"local": {PostID: "local", Text: "from dataset"}}
	if _, err := instance.Submit(context.Background(), session.Request{Submission: submission, Posts: local}); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	post, err := instance.Post(context.Background(), "local")
	if err != nil || post.Text != "from dataset" {
		t.Fatalf("unexpected local post %+v %v", post, err)
	}
	post, err = instance.Post(context.Background(), "remote")
	if err != nil || post.Text != "from service" {
		t.Fatalf("unexpected remote post %+v %v", post, err)
	}
}

func TestClosedSessionRejectsWork(t *testing.T) {
	t.Parallel()

	instance, err := session.New(session.Config{Service: newFakeJobService()})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := instance.WaitReady(context.Background()); !errors.Is(err, session.ErrNoJob) {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}
	if err := instance.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if _, err := instance.Submit(context.Background(), session.Request{Submission: datasetSubmission("x")}); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := session.New(session.Config{}); !errors.Is(err, session.ErrNoService) {
		t.Fatalf("expected ErrNoService, got %v", err)
	}
}
