package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	goccyjson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/model"
)

type stubController struct {
	result    model.MigrationResult
	resultErr error
	status    model.MigrationState
	statusErr error
	abortErr  error
	aborted   bool
}

func (s *stubController) GetResult(ctx context.Context) (model.MigrationResult, error) {
	return s.result, s.resultErr
}

func (s *stubController) GetStatus(ctx context.Context) (model.MigrationState, error) {
	return s.status, s.statusErr
}

func (s *stubController) Abort(ctx context.Context) error {
	s.aborted = true
	return s.abortErr
}

func TestHandleResult_ReturnsJSONBody(t *testing.T) {
	ctrl := &stubController{result: model.MigrationResult{Status: model.MigrationStateInProgress, StartSN: 1, EndSN: 10}}
	srv := New(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/migration/result", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got model.MigrationResult
	require.NoError(t, goccyjson.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ctrl.result.Status, got.Status)
	assert.Equal(t, ctrl.result.EndSN, got.EndSN)
}

func TestHandleResult_RejectsNonGet(t *testing.T) {
	ctrl := &stubController{}
	srv := New(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/migration/result", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleStatus_ReturnsStatusField(t *testing.T) {
	ctrl := &stubController{status: model.MigrationStateCompleted}
	srv := New(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/migration/status", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Status model.MigrationState `json:"status"`
	}
	require.NoError(t, goccyjson.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, model.MigrationStateCompleted, out.Status)
}

func TestHandleStatus_PropagatesControllerErrorAs500(t *testing.T) {
	ctrl := &stubController{statusErr: errors.New("store unreachable")}
	srv := New(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/migration/status", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleAbort_AcceptsPostAndInvokesController(t *testing.T) {
	ctrl := &stubController{}
	srv := New(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/migration/abort", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, ctrl.aborted)
}

func TestHandleAbort_RejectsGet(t *testing.T) {
	ctrl := &stubController{}
	srv := New(ctrl, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/migration/abort", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
