package operator

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
	"github.com/ffgarciam/cloud-usage-report/pkg/workflow"
)

type staticVendor struct{}

func (staticVendor) VendCredentials(ctx context.Context, cfg cur.ClientConfig) (*cur.Credentials, error) {
	return &cur.Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
	}, nil
}

type staticProcessor struct{}

func (staticProcessor) Process(ctx context.Context, cfg cur.ClientConfig, credentials *cur.Credentials) (*cur.ProcessingResult, error) {
	return &cur.ProcessingResult{
		ClientID:        cfg.ClientID,
		ProcessedFiles:  []string{"reports/2026/07/report-1.csv.gz"},
		TotalRecords:    1200,
		ProcessingTime:  150,
		DestinationPath: "s3://processed-reports/" + cfg.ClientID + "/20260701T000000Z/",
	}, nil
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, result *cur.ProcessingResult) error {
	return nil
}

func validInput(clientID string) cur.ClientConfig {
	return cur.ClientConfig{
		ClientID:      clientID,
		AccountID:     "111122223333",
		RoleArn:       "arn:aws:iam::111122223333:role/cur-access",
		ExternalID:    "ext1",
		CURBucketName: clientID + "-cur",
	}
}

func newTestRouter(t *testing.T, registry executionRegistry, ready bool) http.Handler {
	t.Helper()
	logger := logrus.New()
	return newRouter(logger, rand.New(rand.NewSource(1)), registry, func() bool { return ready })
}

func TestExecutionsAPI(t *testing.T) {
	logger := logrus.New()
	orchestrator := workflow.NewOrchestrator(logger, workflow.Config{}, staticVendor{}, staticProcessor{}, noopNotifier{})
	defer orchestrator.Shutdown()

	exec, err := orchestrator.StartExecution("cur-processing-acme-seq-1", validInput("acme"))
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, exec.Wait(waitCtx))

	router := newTestRouter(t, orchestrator, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", APIV1ExecutionsEndpoint, nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var summaries []executionSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "cur-processing-acme-seq-1", summaries[0].Name)
	assert.Equal(t, "acme", summaries[0].ClientID)
	assert.Equal(t, string(workflow.StatusSucceeded), summaries[0].Status)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", APIV1ExecutionsEndpoint+"/cur-processing-acme-seq-1", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var detail executionDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &detail))
	assert.Equal(t, string(workflow.StatusSucceeded), detail.Status)
	assert.Len(t, detail.History, 4)
	assert.NotNil(t, detail.Result)
	assert.Empty(t, detail.Error)
}

func TestGetExecutionNotFound(t *testing.T) {
	logger := logrus.New()
	orchestrator := workflow.NewOrchestrator(logger, workflow.Config{}, staticVendor{}, staticProcessor{}, noopNotifier{})
	defer orchestrator.Shutdown()

	router := newTestRouter(t, orchestrator, true)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", APIV1ExecutionsEndpoint+"/missing", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "missing")
}

func TestReadinessEndpoint(t *testing.T) {
	logger := logrus.New()
	orchestrator := workflow.NewOrchestrator(logger, workflow.Config{}, staticVendor{}, staticProcessor{}, noopNotifier{})
	defer orchestrator.Shutdown()

	rr := httptest.NewRecorder()
	newTestRouter(t, orchestrator, false).ServeHTTP(rr, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	rr = httptest.NewRecorder()
	newTestRouter(t, orchestrator, true).ServeHTTP(rr, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	newTestRouter(t, orchestrator, true).ServeHTTP(rr, httptest.NewRequest("GET", "/healthy", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
