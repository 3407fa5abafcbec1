package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coordination/explorer/internal/derive"
	"github.com/coordination/explorer/internal/filter"
	"github.com/coordination/explorer/internal/graph"
	"github.com/coordination/explorer/internal/jobs"
	"github.com/coordination/explorer/internal/server"
	"github.com/coordination/explorer/internal/session"
)

const (
	testViewIdentifier = "fixed"
	testViewPath       = "/api/views/view-fixed"
	testJobIdentifier  = "job-1"
	testNodeAlice      = "1"
	testNodeBob        = "2"
	testNodeCarol      = "3"
	testEdgeStrong     = "e-strong"
	testEdgeWeak       = "e-weak"
	testPostIdentifier = "p-1"
	testMissingPost    = "p-404"
	testPseudonymAlice = "Alligator_1"
)

type sessionStub struct {
	mutex     sync.Mutex
	snapshot  session.Snapshot
	view      *graph.View
	model     derive.Model
	ready     bool
	anonymous bool
	moves     []string
	posts     map[string]jobs.Post
}

func (stub *sessionStub) Snapshot() session.Snapshot {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.snapshot
}

func (stub *sessionStub) View() *graph.View {
	if !stub.ready {
		return graph.EmptyView()
	}
	return stub.view
}

func (stub *sessionStub) Model() (derive.Model, bool) {
	return stub.model, stub.ready
}

func (stub *sessionStub) Namer() filter.Namer {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if !stub.anonymous {
		return filter.IdentityNamer
	}
	return filter.NamerFunc(func(identity string) string {
		if identity == "alice" {
			return testPseudonymAlice
		}
		return identity
	})
}

func (stub *sessionStub) Anonymous() bool {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return stub.anonymous
}

func (stub *sessionStub) SetAnonymous(enabled bool) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.anonymous = enabled
}

func (stub *sessionStub) MoveNode(key string, x float64, y float64) error {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	if !stub.ready {
		return session.ErrNotReady
	}
	if _, found := stub.view.Node(key); !found {
		return graph.ErrUnknownNode
	}
	stub.moves = append(stub.moves, fmt.Sprintf("%s:%v:%v", key, x, y))
	return nil
}

func (stub *sessionStub) Post(_ context.Context, postID string) (jobs.Post, error) {
	post, found := stub.posts[postID]
	if !found {
		return jobs.Post{}, jobs.ErrJobNotFound
	}
	return post, nil
}

func (stub *sessionStub) recordedMoves() []string {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return append([]string(nil), stub.moves...)
}

func newReadyStub() *sessionStub {
	nodes := []graph.Node{
		{Key: testNodeAlice, Label: "alice", Community: 0, Size: 20, Color: "#111111"},
		{Key: testNodeBob, Label: "bob", Community: 0, Size: 12.5, Color: "#111111"},
		{Key: testNodeCarol, Label: "carol", Community: 1, Size: 5, Color: "#222222"},
	}
	edges := []graph.Edge{
		{
			Key: testEdgeStrong, Source: testNodeAlice, Target: testNodeBob,
			RawSize: 4, Weight: 1, Size: 4,
			Hashtags:       []string{"#vote", "#rally"},
			HashtagWeights: []float64{1, 3},
			SourcePosts:    [][]string{{"p-3"}, {"p-1"}},
			TargetPosts:    [][]string{{"p-2"}, nil},
		},
		{
			Key: testEdgeWeak, Source: testNodeAlice, Target: testNodeCarol,
			RawSize: 1, Weight: 0.1, Size: 1,
			Hashtags:       []string{"#vote"},
			HashtagWeights: []float64{1},
		},
	}
	return &sessionStub{
		snapshot: session.Snapshot{Generation: 1, JobID: testJobIdentifier, Phase: session.PhaseReady, Ready: true},
		view:     graph.NewView(nodes, edges),
		model: derive.Model{
			Communities:       []int{0, 1},
			CommunityHashtags: map[int]map[string]int{0: {"#vote": 1, "#rally": 1}, 1: {"#vote": 1}},
			CommunityNodes:    map[int]map[string]int{0: {"alice": 2, "bob": 1}, 1: {"carol": 1}},
			MaxDegree:         2,
		},
		ready: true,
		posts: map[string]jobs.Post{
			testPostIdentifier: {PostID: testPostIdentifier, ScreenName: "alice", Text: "hello #vote"},
		},
	}
}

func newTestRouter(t *testing.T, stub *sessionStub) *gin.Engine {
	t.Helper()
	router, err := server.NewRouter(server.RouterConfig{
		Session:   stub,
		Gatherer:  prometheus.NewRegistry(),
		NewViewID: func() (string, error) { return testViewIdentifier, nil },
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router
}

func performRequest(t *testing.T, router http.Handler, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
}

func createTestView(t *testing.T, router http.Handler) {
	t.Helper()
	recorder := performRequest(t, router, http.MethodPost, "/api/views", nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create view status = %d, body %s", recorder.Code, recorder.Body.String())
	}
}

func TestNewRouterRequiresSession(t *testing.T) {
	t.Parallel()
	if _, err := server.NewRouter(server.RouterConfig{}); err == nil {
		t.Fatalf("expected an error without a session")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, newReadyStub())

	testCases := []struct {
		name string
		path string
	}{
		{name: "health", path: "/healthz"},
		{name: "metrics", path: "/metrics"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			recorder := performRequest(t, router, http.MethodGet, testCase.path, nil)
			if recorder.Code != http.StatusOK {
				t.Fatalf("status = %d", recorder.Code)
			}
		})
	}
}

func TestStatusReportsSnapshotAndAnonymity(t *testing.T) {
	t.Parallel()
	stub := newReadyStub()
	router := newTestRouter(t, stub)

	recorder := performRequest(t, router, http.MethodPut, "/api/anonymous", map[string]bool{"enabled": true})
	if recorder.Code != http.StatusOK {
		t.Fatalf("anonymous status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if !stub.Anonymous() {
		t.Fatalf("expected anonymity to be enabled")
	}

	recorder = performRequest(t, router, http.MethodGet, "/api/status", nil)
	var status struct {
		JobID     string `json:"jobID"`
		Phase     string `json:"phase"`
		Ready     bool   `json:"ready"`
		Anonymous bool   `json:"anonymous"`
	}
	decodeBody(t, recorder, &status)
	if status.JobID != testJobIdentifier || status.Phase != string(session.PhaseReady) || !status.Ready || !status.Anonymous {
		t.Fatalf("unexpected status %+v", status)
	}

	recorder = performRequest(t, router, http.MethodPut, "/api/anonymous", map[string]string{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing enabled status = %d", recorder.Code)
	}
}

func TestProcessingJobGatesGraphReads(t *testing.T) {
	t.Parallel()
	stub := newReadyStub()
	stub.snapshot = session.Snapshot{Generation: 2, JobID: testJobIdentifier, Phase: session.PhasePolling, Processing: true}
	router := newTestRouter(t, stub)
	createTestView(t, router)

	testCases := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "frame", method: http.MethodGet, path: testViewPath + "/frame", status: http.StatusServiceUnavailable},
		{name: "communities", method: http.MethodGet, path: "/api/communities", status: http.StatusServiceUnavailable},
		{name: "post", method: http.MethodGet, path: "/api/posts/" + testPostIdentifier, status: http.StatusServiceUnavailable},
		{name: "status", method: http.MethodGet, path: "/api/status", status: http.StatusOK},
		{name: "health", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			recorder := performRequest(t, router, testCase.method, testCase.path, nil)
			if recorder.Code != testCase.status {
				t.Fatalf("status = %d, want %d", recorder.Code, testCase.status)
			}
		})
	}
}

func TestViewFrameAndFilter(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, newReadyStub())
	createTestView(t, router)

	recorder := performRequest(t, router, http.MethodGet, testViewPath+"/frame", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("frame status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var frame struct {
		View struct {
			ID      string `json:"id"`
			Display string `json:"display"`
		} `json:"view"`
		Frame filter.Frame `json:"frame"`
	}
	decodeBody(t, recorder, &frame)
	if frame.View.ID != "view-"+testViewIdentifier || frame.View.Display != string(filter.DisplayModeWeight) {
		t.Fatalf("unexpected view %+v", frame.View)
	}
	if !frame.Frame.Ready || len(frame.Frame.Nodes) != 3 || len(frame.Frame.Edges) != 2 {
		t.Fatalf("unexpected frame %+v", frame.Frame)
	}

	testCases := []struct {
		name   string
		body   any
		status int
	}{
		{name: "valid", body: map[string]any{"users": []string{"alice"}, "hashtagMode": "all", "range": map[string]float64{"low": 0, "high": 1}}, status: http.StatusOK},
		{name: "bad mode", body: map[string]any{"hashtagMode": "some"}, status: http.StatusBadRequest},
		{name: "bad range", body: map[string]any{"range": map[string]float64{"low": 0.8, "high": 0.2}}, status: http.StatusBadRequest},
		{name: "bad display", body: map[string]any{"display": "heatmap"}, status: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			recorder := performRequest(t, router, http.MethodPut, testViewPath+"/filter", testCase.body)
			if recorder.Code != testCase.status {
				t.Fatalf("status = %d, want %d, body %s", recorder.Code, testCase.status, recorder.Body.String())
			}
		})
	}

	recorder = performRequest(t, router, http.MethodGet, testViewPath+"/edges", nil)
	var rows struct {
		Rows []filter.EdgeRow `json:"rows"`
	}
	decodeBody(t, recorder, &rows)
	if len(rows.Rows) != 2 || rows.Rows[0].Key != testEdgeStrong {
		t.Fatalf("unexpected rows %+v", rows.Rows)
	}
}

func TestViewEvents(t *testing.T) {
	t.Parallel()
	stub := newReadyStub()
	router := newTestRouter(t, stub)
	createTestView(t, router)

	send := func(event map[string]any) (int, filter.Interaction) {
		recorder := performRequest(t, router, http.MethodPost, testViewPath+"/events", event)
		var body struct {
			Interaction filter.Interaction `json:"interaction"`
		}
		if recorder.Code == http.StatusOK {
			decodeBody(t, recorder, &body)
		}
		return recorder.Code, body.Interaction
	}

	if status, interaction := send(map[string]any{"type": "click-node", "node": testNodeAlice}); status != http.StatusOK || interaction.ClickedNode != testNodeAlice {
		t.Fatalf("click-node: status %d interaction %+v", status, interaction)
	}
	if status, interaction := send(map[string]any{"type": "click-edge", "edge": testEdgeStrong}); status != http.StatusOK || interaction.ClickedEdge != testEdgeStrong || interaction.ClickedNode != "" {
		t.Fatalf("click-edge: status %d interaction %+v", status, interaction)
	}
	if status, _ := send(map[string]any{"type": "drag-move", "x": 1, "y": 2}); status != http.StatusConflict {
		t.Fatalf("drag-move without drag: status %d", status)
	}
	if status, interaction := send(map[string]any{"type": "drag-start", "node": testNodeBob, "shift": true}); status != http.StatusOK || interaction.DraggedNode != testNodeBob {
		t.Fatalf("drag-start: status %d interaction %+v", status, interaction)
	}
	if status, _ := send(map[string]any{"type": "drag-move", "x": 10, "y": -4}); status != http.StatusOK {
		t.Fatalf("drag-move: status %d", status)
	}
	if moves := stub.recordedMoves(); len(moves) != 1 || moves[0] != testNodeBob+":10:-4" {
		t.Fatalf("unexpected moves %v", moves)
	}
	if status, interaction := send(map[string]any{"type": "drag-end"}); status != http.StatusOK || interaction.Dragging() {
		t.Fatalf("drag-end: status %d interaction %+v", status, interaction)
	}
	if status, _ := send(map[string]any{"type": "wiggle"}); status != http.StatusBadRequest {
		t.Fatalf("unknown event: status %d", status)
	}
	if status, _ := send(map[string]any{}); status != http.StatusBadRequest {
		t.Fatalf("missing type: status %d", status)
	}
}

func TestEdgeDetailAndCommunities(t *testing.T) {
	t.Parallel()
	stub := newReadyStub()
	stub.anonymous = true
	router := newTestRouter(t, stub)

	recorder := performRequest(t, router, http.MethodGet, "/api/edges/"+testEdgeStrong, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("edge status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	var detail struct {
		Source   string `json:"source"`
		Target   string `json:"target"`
		Hashtags []struct {
			Hashtag  string   `json:"hashtag"`
			Weight   float64  `json:"weight"`
			Timeline []string `json:"timeline"`
		} `json:"hashtags"`
	}
	decodeBody(t, recorder, &detail)
	if detail.Source != testPseudonymAlice || detail.Target != "bob" {
		t.Fatalf("unexpected endpoints %s %s", detail.Source, detail.Target)
	}
	if len(detail.Hashtags) != 2 || detail.Hashtags[0].Hashtag != "#rally" || len(detail.Hashtags[1].Timeline) != 2 {
		t.Fatalf("unexpected hashtags %+v", detail.Hashtags)
	}

	recorder = performRequest(t, router, http.MethodGet, "/api/edges/missing", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing edge status = %d", recorder.Code)
	}

	recorder = performRequest(t, router, http.MethodGet, "/api/communities", nil)
	var communities struct {
		Communities []struct {
			Community int    `json:"community"`
			Color     string `json:"color"`
			Accounts  []struct {
				Name  string `json:"name"`
				Count int    `json:"count"`
			} `json:"accounts"`
		} `json:"communities"`
	}
	decodeBody(t, recorder, &communities)
	if len(communities.Communities) != 2 {
		t.Fatalf("unexpected communities %+v", communities)
	}
	first := communities.Communities[0]
	if first.Color != derive.CommunityColor(0) || first.Accounts[0].Name != testPseudonymAlice || first.Accounts[0].Count != 2 {
		t.Fatalf("unexpected first community %+v", first)
	}
}

func TestPostLookup(t *testing.T) {
	t.Parallel()
	stub := newReadyStub()
	stub.anonymous = true
	router := newTestRouter(t, stub)

	recorder := performRequest(t, router, http.MethodGet, "/api/posts/"+testPostIdentifier, nil)
	var post jobs.Post
	decodeBody(t, recorder, &post)
	if post.ScreenName != testPseudonymAlice || !strings.Contains(post.Text, "#vote") {
		t.Fatalf("unexpected post %+v", post)
	}

	recorder = performRequest(t, router, http.MethodGet, "/api/posts/"+testMissingPost, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing post status = %d", recorder.Code)
	}
}

func TestUnknownViewAndNoGraph(t *testing.T) {
	t.Parallel()
	stub := newReadyStub()
	stub.ready = false
	stub.snapshot = session.Snapshot{Phase: session.PhaseIdle}
	router := newTestRouter(t, stub)

	testCases := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "unknown frame", method: http.MethodGet, path: "/api/views/view-missing/frame", status: http.StatusNotFound},
		{name: "unknown delete", method: http.MethodDelete, path: "/api/views/view-missing", status: http.StatusNotFound},
		{name: "no communities", method: http.MethodGet, path: "/api/communities", status: http.StatusConflict},
		{name: "no edge", method: http.MethodGet, path: "/api/edges/" + testEdgeStrong, status: http.StatusConflict},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			recorder := performRequest(t, router, testCase.method, testCase.path, nil)
			if recorder.Code != testCase.status {
				t.Fatalf("status = %d, want %d", recorder.Code, testCase.status)
			}
		})
	}

	createTestView(t, router)
	recorder := performRequest(t, router, http.MethodGet, testViewPath+"/frame", nil)
	var frame struct {
		Frame filter.Frame `json:"frame"`
	}
	decodeBody(t, recorder, &frame)
	if frame.Frame.Ready {
		t.Fatalf("expected an empty frame without a graph")
	}
	if recorder := performRequest(t, router, http.MethodDelete, testViewPath, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", recorder.Code)
	}
}
