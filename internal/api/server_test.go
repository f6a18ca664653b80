package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	zerrors "github.com/kubilitics/zeroscale/internal/errors"
	"github.com/kubilitics/zeroscale/internal/observability"
	"github.com/kubilitics/zeroscale/pkg/model"
)

type fakeOptimizer struct {
	submitResp   *model.ZeroPodResponse
	submitErr    error
	rollbackResp *model.RollbackResponse
	rollbackErr  error
	statusResp   *model.StatusResponse
	statusErr    error

	lastRequest model.ZeroPodRequest
	lastRunID   string
}

func (f *fakeOptimizer) SubmitZeroPod(_ context.Context, req model.ZeroPodRequest) (*model.ZeroPodResponse, error) {
	f.lastRequest = req
	return f.submitResp, f.submitErr
}

func (f *fakeOptimizer) Rollback(_ context.Context, runID string) (*model.RollbackResponse, error) {
	f.lastRunID = runID
	return f.rollbackResp, f.rollbackErr
}

func (f *fakeOptimizer) Status(_ context.Context, runID string) (*model.StatusResponse, error) {
	f.lastRunID = runID
	return f.statusResp, f.statusErr
}

type fakeReadiness struct{ ready bool }

func (f fakeReadiness) IsReady(context.Context) bool { return f.ready }

func newTestServer(opt *fakeOptimizer, ready bool) *Server {
	return NewServer(0, opt, fakeReadiness{ready: ready}, observability.NewMetrics(),
		zerrors.NewErrorCollector(zerrors.RealClock{}), false)
}

func TestZeroPodSubmission(t *testing.T) {
	opt := &fakeOptimizer{submitResp: &model.ZeroPodResponse{
		RunID:       "run-1",
		Status:      model.RunPending,
		ActionCount: 2,
	}}
	srv := newTestServer(opt, true)

	body := `{"namespace":"staging","dry_run":true,"safety_checks":true,"mode":"parallel"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize/zero-pod", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "staging", opt.lastRequest.Namespace)
	assert.True(t, opt.lastRequest.DryRun)
	assert.Equal(t, "parallel", opt.lastRequest.Mode)

	var resp model.ZeroPodResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, 2, resp.ActionCount)
}

func TestZeroPodEmptyResultIsAccepted(t *testing.T) {
	opt := &fakeOptimizer{submitResp: &model.ZeroPodResponse{
		RunID:   "run-2",
		Status:  model.RunPending,
		Message: "no eligible workloads",
	}}
	srv := newTestServer(opt, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize/zero-pod", strings.NewReader(`{"namespace":"staging"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp model.ZeroPodResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.ActionCount)
	assert.Equal(t, "no eligible workloads", resp.Message)
}

func TestZeroPodValidationError(t *testing.T) {
	opt := &fakeOptimizer{submitErr: &zerrors.ValidationError{Field: "namespace", Reason: "required"}}
	srv := newTestServer(opt, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize/zero-pod", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(zerrors.CodeValidation), resp.Code)
}

func TestZeroPodMalformedBody(t *testing.T) {
	srv := newTestServer(&fakeOptimizer{}, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize/zero-pod", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRollbackRoute(t *testing.T) {
	opt := &fakeOptimizer{rollbackResp: &model.RollbackResponse{
		RunID:     "run-3",
		Requested: 1,
		Results: []model.ActionRollbackResult{{
			ActionID: "a1",
			Outcome:  model.RollbackSucceeded,
		}},
	}}
	srv := newTestServer(opt, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize/rollback/run-3", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-3", opt.lastRunID)
	var resp model.RollbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Requested)
}

func TestRollbackExpiredMapsToGone(t *testing.T) {
	opt := &fakeOptimizer{rollbackErr: &zerrors.OptimizerError{
		Code:    zerrors.CodeRollbackExpired,
		Message: "rollback window for run run-4 expired",
	}}
	srv := newTestServer(opt, true)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/optimize/rollback/run-4", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusGone, rec.Code)
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(zerrors.CodeRollbackExpired), resp.Code)
}

func TestStatusRoute(t *testing.T) {
	now := time.Now()
	opt := &fakeOptimizer{statusResp: &model.StatusResponse{
		Run: &model.OptimizationRun{ID: "run-5", Status: model.RunCompleted, CreatedAt: now},
		Events: []model.Event{
			{RunID: "run-5", Type: model.EventRunCreated, Timestamp: now},
		},
	}}
	srv := newTestServer(opt, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/optimize/status/run-5", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Run)
	assert.Equal(t, model.RunCompleted, resp.Run.Status)
	require.Len(t, resp.Events, 1)
}

func TestStatusUnknownRunMapsToNotFound(t *testing.T) {
	opt := &fakeOptimizer{statusErr: &zerrors.OptimizerError{
		Code:    zerrors.CodeRunNotFound,
		Message: "run not found: missing",
	}}
	srv := newTestServer(opt, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/optimize/status/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeOptimizer{}, true)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzNotReady(t *testing.T) {
	srv := newTestServer(&fakeOptimizer{}, false)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzReportsActiveErrors(t *testing.T) {
	errs := zerrors.NewErrorCollector(zerrors.RealClock{})
	errs.Report(zerrors.OptimizerError{
		Code:      zerrors.CodeTrafficSource,
		Message:   "prometheus unreachable",
		Component: "traffic",
	})
	srv := NewServer(0, &fakeOptimizer{}, fakeReadiness{ready: true}, observability.NewMetrics(), errs, false)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "active_errors")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeOptimizer{}, true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zeroscale_")
}

func TestDebugEndpointsDisabledByDefault(t *testing.T) {
	srv := newTestServer(&fakeOptimizer{}, true)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartStop(t *testing.T) {
	srv := newTestServer(&fakeOptimizer{}, true)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
