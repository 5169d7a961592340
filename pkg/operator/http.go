package operator

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/ffgarciam/cloud-usage-report/pkg/workflow"
)

const APIV1ExecutionsEndpoint = "/api/v1/executions"

// executionRegistry is the read side of the orchestrator.
type executionRegistry interface {
	GetExecution(name string) (*workflow.Execution, bool)
	ListExecutions() []*workflow.Execution
}

type server struct {
	logger   log.FieldLogger
	rand     *rand.Rand
	registry executionRegistry
	readyFn  func() bool
}

type requestLogger struct {
	log.FieldLogger
}

func (l *requestLogger) Print(v ...interface{}) {
	l.FieldLogger.Info(v...)
}

func newRouter(logger log.FieldLogger, rand *rand.Rand, registry executionRegistry, readyFn func() bool) chi.Router {
	router := chi.NewRouter()
	logger = logger.WithField("component", "api")
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &requestLogger{logger}}))

	srv := &server{
		logger:   logger,
		rand:     rand,
		registry: registry,
		readyFn:  readyFn,
	}

	router.Get(APIV1ExecutionsEndpoint, srv.listExecutionsHandler)
	router.Get(APIV1ExecutionsEndpoint+"/{name}", srv.getExecutionHandler)
	router.HandleFunc("/ready", srv.readinessHandler)
	router.HandleFunc("/healthy", srv.healthinessHandler)

	return router
}

type executionSummary struct {
	Name         string    `json:"name"`
	ClientID     string    `json:"clientId"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"currentStage,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

type executionDetail struct {
	executionSummary
	History []workflow.StageRecord `json:"history"`
	Result  interface{}            `json:"result,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

func summarize(exec *workflow.Execution) executionSummary {
	return executionSummary{
		Name:         exec.Name(),
		ClientID:     exec.Input().ClientID,
		Status:       string(exec.Status()),
		CurrentStage: exec.CurrentStage(),
		StartedAt:    exec.StartedAt(),
	}
}

func (srv *server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)

	executions := srv.registry.ListExecutions()
	summaries := make([]executionSummary, 0, len(executions))
	for _, exec := range executions {
		summaries = append(summaries, summarize(exec))
	}
	writeResponseAsJSON(logger, w, http.StatusOK, summaries)
}

func (srv *server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)

	name := chi.URLParam(r, "name")
	exec, ok := srv.registry.GetExecution(name)
	if !ok {
		writeErrorResponse(logger, w, r, http.StatusNotFound, "no execution named %s", name)
		return
	}

	detail := executionDetail{
		executionSummary: summarize(exec),
		History:          exec.History(),
	}
	if result := exec.Result(); result != nil {
		detail.Result = result
	}
	if err := exec.Err(); err != nil {
		detail.Error = err.Error()
	}
	writeResponseAsJSON(logger, w, http.StatusOK, detail)
}

type statusResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (srv *server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)

	if !srv.readyFn() {
		writeResponseAsJSON(logger, w, http.StatusInternalServerError, statusResponse{
			Status:  "not ready",
			Details: "initialization not complete",
		})
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, statusResponse{Status: "ok"})
}

func (srv *server) healthinessHandler(w http.ResponseWriter, r *http.Request) {
	logger := newRequestLogger(srv.logger, r, srv.rand)
	writeResponseAsJSON(logger, w, http.StatusOK, statusResponse{Status: "ok"})
}
