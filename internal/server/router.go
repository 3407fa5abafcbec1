package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coordination/explorer/internal/derive"
	"github.com/coordination/explorer/internal/filter"
	"github.com/coordination/explorer/internal/graph"
	"github.com/coordination/explorer/internal/jobs"
	"github.com/coordination/explorer/internal/session"
)

const (
	healthRoutePath      = "/healthz"
	metricsRoutePath     = "/metrics"
	apiGroupPath         = "/api"
	statusRoutePath      = "/status"
	anonymousRoutePath   = "/anonymous"
	viewsRoutePath       = "/views"
	viewRoutePath        = "/views/:id"
	viewFilterRoutePath  = "/views/:id/filter"
	viewEventsRoutePath  = "/views/:id/events"
	viewFrameRoutePath   = "/views/:id/frame"
	viewEdgesRoutePath   = "/views/:id/edges"
	edgeRoutePath        = "/edges/:key"
	communitiesRoutePath = "/communities"
	postRoutePath        = "/posts/:id"
	viewIDParameter      = "id"
	edgeKeyParameter     = "key"
	postIDParameter      = "id"

	healthStatusKey       = "status"
	healthStatusOK        = "ok"
	errorResponseKey      = "error"
	ginModeRelease        = "release"
	errorMessageBusy      = "job is processing"
	errorMessageNoGraph   = "no graph loaded"
	errorMessageInternal  = "internal error"
	errorMessageNoSession = "session is required"

	logMessageRequestFailed = "request failed"
	logFieldPath            = "path"
)

// ExplorerSession is the pipeline state the API exposes.
type ExplorerSession interface {
	Snapshot() session.Snapshot
	View() *graph.View
	Model() (derive.Model, bool)
	Namer() filter.Namer
	Anonymous() bool
	SetAnonymous(enabled bool)
	MoveNode(key string, x float64, y float64) error
	Post(ctx context.Context, postID string) (jobs.Post, error)
}

// RouterConfig configures the HTTP routing for the explorer API.
type RouterConfig struct {
	Session  ExplorerSession
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	// NewViewID overrides view identifier generation.
	NewViewID func() (string, error)
}

var errNoSession = errors.New(errorMessageNoSession)

// NewRouter constructs a Gin engine serving health, metrics and the exploration API.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	if configuration.Session == nil {
		return nil, errNoSession
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := configuration.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := explorerHandler{
		session: configuration.Session,
		views:   newViewTracker(configuration.NewViewID),
		logger:  logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(metricsRoutePath, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := engine.Group(apiGroupPath)
	api.GET(statusRoutePath, handler.jobStatus)
	api.PUT(anonymousRoutePath, handler.setAnonymous)
	api.POST(viewsRoutePath, handler.createView)
	api.DELETE(viewRoutePath, handler.deleteView)

	gated := api.Group("", handler.requireIdle)
	gated.PUT(viewFilterRoutePath, handler.replaceFilter)
	gated.POST(viewEventsRoutePath, handler.applyEvent)
	gated.GET(viewFrameRoutePath, handler.viewFrame)
	gated.GET(viewEdgesRoutePath, handler.viewEdges)
	gated.GET(edgeRoutePath, handler.edgeDetail)
	gated.GET(communitiesRoutePath, handler.communities)
	gated.GET(postRoutePath, handler.post)

	return engine, nil
}

type explorerHandler struct {
	session ExplorerSession
	views   *viewTracker
	logger  *zap.Logger
}

func (handler explorerHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

// requireIdle answers 503 while a job is being submitted, polled or processed, so no
// reader observes a graph mid-import.
func (handler explorerHandler) requireIdle(ginContext *gin.Context) {
	if handler.session.Snapshot().Processing {
		ginContext.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{errorResponseKey: errorMessageBusy})
		return
	}
	ginContext.Next()
}

func (handler explorerHandler) jobStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, statusResponse{Snapshot: handler.session.Snapshot(), Anonymous: handler.session.Anonymous()})
}

func (handler explorerHandler) setAnonymous(ginContext *gin.Context) {
	var request anonymousRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		handler.respondError(ginContext, http.StatusBadRequest, err)
		return
	}
	handler.session.SetAnonymous(*request.Enabled)
	ginContext.JSON(http.StatusOK, statusResponse{Snapshot: handler.session.Snapshot(), Anonymous: handler.session.Anonymous()})
}

func (handler explorerHandler) createView(ginContext *gin.Context) {
	snapshot, err := handler.views.CreateView(handler.session.Snapshot().Generation)
	if err != nil {
		handler.respondError(ginContext, http.StatusInternalServerError, err)
		return
	}
	ginContext.JSON(http.StatusCreated, newViewResponse(snapshot))
}

func (handler explorerHandler) deleteView(ginContext *gin.Context) {
	if !handler.views.DeleteView(ginContext.Param(viewIDParameter)) {
		handler.respondError(ginContext, http.StatusNotFound, errViewNotFound)
		return
	}
	ginContext.Status(http.StatusNoContent)
}

func (handler explorerHandler) replaceFilter(ginContext *gin.Context) {
	var request filterRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		handler.respondError(ginContext, http.StatusBadRequest, err)
		return
	}
	state, err := request.state()
	if err != nil {
		handler.respondError(ginContext, http.StatusBadRequest, err)
		return
	}
	snapshot, err := handler.views.ReplaceState(ginContext.Param(viewIDParameter), handler.session.Snapshot().Generation, state)
	if err != nil {
		handler.respondError(ginContext, statusForError(err), err)
		return
	}
	ginContext.JSON(http.StatusOK, newViewResponse(snapshot))
}

func (handler explorerHandler) applyEvent(ginContext *gin.Context) {
	var request eventRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		handler.respondError(ginContext, http.StatusBadRequest, err)
		return
	}
	snapshot, err := handler.views.ApplyInteraction(
		ginContext.Param(viewIDParameter),
		handler.session.Snapshot().Generation,
		request.transition(handler.session),
	)
	if err != nil {
		handler.respondError(ginContext, statusForError(err), err)
		return
	}
	ginContext.JSON(http.StatusOK, newViewResponse(snapshot))
}

func (handler explorerHandler) viewFrame(ginContext *gin.Context) {
	snapshot, found := handler.views.ViewSnapshot(ginContext.Param(viewIDParameter), handler.session.Snapshot().Generation)
	if !found {
		handler.respondError(ginContext, http.StatusNotFound, errViewNotFound)
		return
	}
	frame := filter.Resolve(handler.session.View(), snapshot.State, snapshot.Interaction, handler.session.Namer())
	ginContext.JSON(http.StatusOK, frameResponse{View: newViewResponse(snapshot), Frame: frame})
}

func (handler explorerHandler) viewEdges(ginContext *gin.Context) {
	snapshot, found := handler.views.ViewSnapshot(ginContext.Param(viewIDParameter), handler.session.Snapshot().Generation)
	if !found {
		handler.respondError(ginContext, http.StatusNotFound, errViewNotFound)
		return
	}
	rows := filter.EdgeRows(handler.session.View(), snapshot.State, handler.session.Namer())
	ginContext.JSON(http.StatusOK, edgeRowsResponse{View: snapshot.Identifier, Rows: rows})
}

func (handler explorerHandler) edgeDetail(ginContext *gin.Context) {
	view := handler.session.View()
	if !view.Ready() {
		handler.respondError(ginContext, http.StatusConflict, errors.New(errorMessageNoGraph))
		return
	}
	edge, found := view.Edge(ginContext.Param(edgeKeyParameter))
	if !found {
		handler.respondError(ginContext, http.StatusNotFound, graph.ErrUnknownEdge)
		return
	}
	ginContext.JSON(http.StatusOK, newEdgeDetailResponse(view, edge, handler.session.Namer()))
}

func (handler explorerHandler) communities(ginContext *gin.Context) {
	model, ready := handler.session.Model()
	if !ready {
		handler.respondError(ginContext, http.StatusConflict, errors.New(errorMessageNoGraph))
		return
	}
	ginContext.JSON(http.StatusOK, newCommunitiesResponse(model, handler.session.Namer()))
}

func (handler explorerHandler) post(ginContext *gin.Context) {
	post, err := handler.session.Post(ginContext.Request.Context(), ginContext.Param(postIDParameter))
	if err != nil {
		handler.respondError(ginContext, statusForError(err), err)
		return
	}
	post.ScreenName = handler.session.Namer().ToPseudonym(post.ScreenName)
	ginContext.JSON(http.StatusOK, post)
}

func (handler explorerHandler) respondError(ginContext *gin.Context, status int, err error) {
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error(logMessageRequestFailed, zap.String(logFieldPath, ginContext.FullPath()), zap.Error(err))
		if status == http.StatusInternalServerError {
			message = errorMessageInternal
		}
	}
	ginContext.JSON(status, gin.H{errorResponseKey: message})
}

func statusForError(err error) int {
	var transportErr *jobs.TransportError
	switch {
	case errors.Is(err, errViewNotFound),
		errors.Is(err, graph.ErrUnknownNode),
		errors.Is(err, graph.ErrUnknownEdge),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotReady),
		errors.Is(err, session.ErrNoJob),
		errors.Is(err, errNotDragging):
		return http.StatusConflict
	case errors.Is(err, filter.ErrHashtagMode),
		errors.Is(err, filter.ErrDisplayMode),
		errors.Is(err, filter.ErrWeightRange),
		errors.Is(err, errUnknownEvent):
		return http.StatusBadRequest
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
