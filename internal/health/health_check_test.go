package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
)

type runningStub struct{ running bool }

func (r runningStub) IsRunning() bool { return r.running }

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) Report {
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return report
}

func TestLivenessHandler_AlwaysOK(t *testing.T) {
	store := metadatastore.NewMemStore()
	c := New(store, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	c.LivenessHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, "ok", report.Status)
}

func TestReadinessHandler_OKWhenStoreReachableAndNoOrchestratorWired(t *testing.T) {
	store := metadatastore.NewMemStore()
	c := New(store, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	c.ReadinessHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, "ok", report.Status)
	assert.Len(t, report.Checks, 1, "no orchestrator check should run when none is wired")
}

func TestReadinessHandler_FailsWhenOrchestratorNotRunning(t *testing.T) {
	store := metadatastore.NewMemStore()
	c := New(store, runningStub{running: false}, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	c.ReadinessHandler(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	report := decodeReport(t, rec)
	assert.Equal(t, "unavailable", report.Status)
}

func TestReadinessHandler_OKWhenOrchestratorRunning(t *testing.T) {
	store := metadatastore.NewMemStore()
	c := New(store, runningStub{running: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	c.ReadinessHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
