package destination

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/migerr"
	"github.com/statefabric/actormigrate/internal/model"
	"github.com/statefabric/actormigrate/internal/sourceclient"
)

func retryPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFraction: 0.1,
	}
}

func TestApplyBatch_EmptyBatchNeverCallsDestination(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	d := New(srv.URL, retryPolicy(), time.Second, zap.NewNop())
	require.NoError(t, d.ApplyBatch(context.Background(), nil))
	assert.False(t, called)
}

func TestApplyBatch_SucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(srv.URL, retryPolicy(), time.Second, zap.NewNop())
	err := d.ApplyBatch(context.Background(), []sourceclient.KeyRecord{{SeqNum: 1, Key: "a"}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestApplyBatch_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(srv.URL, retryPolicy(), time.Second, zap.NewNop())
	err := d.ApplyBatch(context.Background(), []sourceclient.KeyRecord{{SeqNum: 1, Key: "a"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestApplyBatch_PoisonRecordNeverRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := New(srv.URL, retryPolicy(), time.Second, zap.NewNop())
	err := d.ApplyBatch(context.Background(), []sourceclient.KeyRecord{{SeqNum: 1, Key: "a"}})
	require.Error(t, err)
	assert.Equal(t, migerr.KindApply, migerr.Classify(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a 422 must fail fast, never retry")
}

func TestApplyBatch_ExhaustsRetriesOnPersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := New(srv.URL, retryPolicy(), time.Second, zap.NewNop())
	err := d.ApplyBatch(context.Background(), []sourceclient.KeyRecord{{SeqNum: 1, Key: "a"}})
	require.Error(t, err)
	assert.Equal(t, migerr.KindTransient, migerr.Classify(err))
}
