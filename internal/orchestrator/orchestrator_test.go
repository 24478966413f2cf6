package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
	"github.com/statefabric/actormigrate/internal/model"
	"github.com/statefabric/actormigrate/internal/sourceclient"
	"github.com/statefabric/actormigrate/internal/telemetry"
)

type capturingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *capturingSink) Emit(_ context.Context, event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *capturingSink) kinds() []telemetry.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]telemetry.Kind, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// fakeSource simulates the legacy KVS-backed actor service: its
// high-water mark grows by growthPerCall on every GetEndSN call until
// RejectWrites freezes it, the way the real source stops accepting
// writes ahead of cutover.
type fakeSource struct {
	mu             sync.Mutex
	endSN          int64
	growthPerCall  int64
	rejected       bool
	rejectWritesN  int
	resumeWritesN  int
}

func newFakeSource(initialEndSN, growthPerCall int64) *fakeSource {
	return &fakeSource{endSN: initialEndSN, growthPerCall: growthPerCall}
}

func (f *fakeSource) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/migration/start-sn", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"startSN":1}`)
	})
	mux.HandleFunc("/internal/migration/end-sn", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		v := f.endSN
		if !f.rejected {
			f.endSN += f.growthPerCall
		}
		f.mu.Unlock()
		fmt.Fprintf(w, `{"endSN":%d}`, v)
	})
	mux.HandleFunc("/internal/migration/reject-writes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.rejected = true
		f.rejectWritesN++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/internal/migration/resume-writes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.rejected = false
		f.resumeWritesN++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/internal/migration/keys", func(w http.ResponseWriter, r *http.Request) {
		var startSN, endSN int64
		_, err := fmt.Sscanf(r.URL.RawQuery, "startSN=%d&endSN=%d", &startSN, &endSN)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for sn := startSN; sn <= endSN; sn++ {
			fmt.Fprintf(w, `{"sn":%d,"key":"actor-%d","value":{}}`+"\n", sn, sn)
		}
	})
	return httptest.NewServer(mux)
}

type nullDestination struct {
	mu      sync.Mutex
	applied int
}

func (d *nullDestination) ApplyBatch(ctx context.Context, records []sourceclient.KeyRecord) error {
	d.mu.Lock()
	d.applied += len(records)
	d.mu.Unlock()
	return nil
}

func testSettings() model.MigrationSettings {
	return model.MigrationSettings{
		CopyPhaseWorkerCount:    1,
		CatchupPhaseWorkerCount: 1,
		DowntimeThreshold:       5,
		BatchSize:               100,
		OperationTimeout:        5 * time.Second,
		RetryPolicy: model.RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			JitterFraction: 0,
		},
	}
}

func TestOrchestrator_Run_ConvergesToCompleted(t *testing.T) {
	fs := newFakeSource(20, 3)
	srv := fs.server(t)
	defer srv.Close()

	logger := zap.NewNop()
	store := metadatastore.NewMemStore()
	source := sourceclient.New(srv.URL, testSettings(), 100, nil, logger)
	dest := &nullDestination{}

	orch := New(store, source, dest, testSettings(), nil, nil, logger)

	err := orch.Run(context.Background())
	require.NoError(t, err)

	status, err := orch.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.MigrationStateCompleted, status)

	result, err := orch.GetResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.MigrationStateCompleted, result.Status)
	assert.Equal(t, model.PhaseDowntime, result.CurrentPhase)
	assert.True(t, result.EndSNKnown)
	assert.Equal(t, int64(1), result.StartSN)

	assert.GreaterOrEqual(t, len(result.PhaseResults), 3, "expected at least Copy, one Catchup iteration, and Downtime")

	downtimeResults := 0
	for _, pr := range result.PhaseResults {
		if pr.Phase != model.PhaseDowntime {
			continue
		}
		downtimeResults++
		assert.Equal(t, 1, pr.Iteration, "Downtime always runs as iteration 1 regardless of how many Catchup iterations preceded it")
		assert.Equal(t, model.PhaseStatusCompleted, pr.Status, "Downtime's single PhaseResult must not be a phantom empty entry")
	}
	assert.Equal(t, 1, downtimeResults, "Downtime must be reported exactly once, never once per Catchup iteration")

	fs.mu.Lock()
	assert.Equal(t, 1, fs.rejectWritesN, "RejectWrites must be called exactly once on convergence")
	fs.mu.Unlock()
}

func TestOrchestrator_Run_EmitsWritesRejectedOnConvergence(t *testing.T) {
	fs := newFakeSource(20, 3)
	srv := fs.server(t)
	defer srv.Close()

	logger := zap.NewNop()
	store := metadatastore.NewMemStore()
	source := sourceclient.New(srv.URL, testSettings(), 100, nil, logger)
	dest := &nullDestination{}
	sink := &capturingSink{}

	orch := New(store, source, dest, testSettings(), sink, nil, logger)
	require.NoError(t, orch.Run(context.Background()))

	assert.Contains(t, sink.kinds(), telemetry.KindWritesRejected, "crossing the downtime threshold must emit a WritesRejected event")
}

func TestOrchestrator_Run_IsIdempotentUnderResume(t *testing.T) {
	fs := newFakeSource(10, 2)
	srv := fs.server(t)
	defer srv.Close()

	logger := zap.NewNop()
	store := metadatastore.NewMemStore()
	source := sourceclient.New(srv.URL, testSettings(), 100, nil, logger)
	dest := &nullDestination{}

	orch := New(store, source, dest, testSettings(), nil, nil, logger)
	require.NoError(t, orch.Run(context.Background()))

	firstResult, err := orch.GetResult(context.Background())
	require.NoError(t, err)

	// A second Run against an already-Completed migration must not
	// mutate MigrationEndSeqNum or re-append phase results, since
	// recordCompletion writes it with getOrAdd.
	require.NoError(t, orch.Run(context.Background()))

	secondResult, err := orch.GetResult(context.Background())
	require.NoError(t, err)

	assert.Equal(t, firstResult.EndSN, secondResult.EndSN)
	assert.Equal(t, firstResult.StartSN, secondResult.StartSN)
	assert.Equal(t, len(firstResult.PhaseResults), len(secondResult.PhaseResults))
	assert.Equal(t, firstResult.KeysMigrated, secondResult.KeysMigrated, "re-running an already-completed migration must not double-count keysMigrated")
	assert.NotZero(t, secondResult.KeysMigrated)
}

func TestOrchestrator_Abort_ResumesWritesAndCancelsRun(t *testing.T) {
	fs := newFakeSource(1000, 0)
	srv := fs.server(t)
	defer srv.Close()

	logger := zap.NewNop()
	store := metadatastore.NewMemStore()
	source := sourceclient.New(srv.URL, testSettings(), 100, nil, logger)
	dest := &nullDestination{}

	settings := testSettings()
	settings.DowntimeThreshold = -1 // never converges on its own, forcing a manual abort

	sink := &capturingSink{}
	orch := New(store, source, dest, settings, sink, nil, logger)

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(context.Background()) }()

	require.Eventually(t, orch.IsRunning, time.Second, time.Millisecond, "orchestrator must report running once Run starts")

	require.NoError(t, orch.Abort(context.Background()))

	select {
	case err := <-runDone:
		assert.Error(t, err, "Run must exit with a cancellation error once Abort cancels its context")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Abort")
	}

	status, err := orch.GetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.MigrationStateAborted, status)

	fs.mu.Lock()
	assert.Equal(t, 1, fs.resumeWritesN, "Abort must resume source writes so the legacy service keeps serving")
	fs.mu.Unlock()

	assert.Contains(t, sink.kinds(), telemetry.KindWritesResumed, "a successful Abort must emit WritesResumed")
}
