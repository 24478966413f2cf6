package phase

import (
	"context"
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
	"github.com/statefabric/actormigrate/internal/worker"
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

func TestPartitionRange_EvenSplit(t *testing.T) {
	ranges := PartitionRange(100, 199, 4)
	require.Len(t, ranges, 4)

	assert.Equal(t, snRange{100, 124}, ranges[0])
	assert.Equal(t, snRange{125, 149}, ranges[1])
	assert.Equal(t, snRange{150, 174}, ranges[2])
	assert.Equal(t, snRange{175, 199}, ranges[3])
}

func TestPartitionRange_Contiguous(t *testing.T) {
	ranges := PartitionRange(0, 1000, 7)
	for i := 1; i < len(ranges); i++ {
		assert.Equal(t, ranges[i-1].End+1, ranges[i].Start, "ranges must be contiguous with no gaps or overlaps")
	}
	assert.Equal(t, int64(0), ranges[0].Start)
	assert.Equal(t, int64(1000), ranges[len(ranges)-1].End)
}

func TestPartitionRange_FewerKeysThanWorkers(t *testing.T) {
	ranges := PartitionRange(10, 12, 8)
	require.Len(t, ranges, 8)

	nonEmpty := 0
	for _, r := range ranges {
		if r.End >= r.Start {
			nonEmpty++
		}
	}
	assert.LessOrEqual(t, nonEmpty, 3, "cannot have more non-empty ranges than available keys")
}

func TestPartitionRange_EmptyRange(t *testing.T) {
	ranges := PartitionRange(50, 49, 3)
	for _, r := range ranges {
		assert.Less(t, r.End, r.Start, "an already-exhausted range must stay empty for every worker")
	}
}

type fixedSourceStub struct {
	startSN, endSN int64
}

type captureDestination struct {
	mu      chan struct{}
	applied []sourceclient.KeyRecord
}

func newCaptureDestination() *captureDestination {
	return &captureDestination{mu: make(chan struct{}, 1)}
}

func (d *captureDestination) ApplyBatch(ctx context.Context, records []sourceclient.KeyRecord) error {
	d.applied = append(d.applied, records...)
	return nil
}

func TestWorkload_StartOrResume_PlansExactlyOnce(t *testing.T) {
	store := metadatastore.NewMemStore()
	logger := zap.NewNop()

	settings := model.MigrationSettings{
		CopyPhaseWorkerCount:    2,
		CatchupPhaseWorkerCount: 1,
		BatchSize:               10,
		OperationTimeout:        time.Second,
	}

	startFn := func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
		return 1, nil
	}
	endFn := func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
		return 0, nil
	}

	dest := newCaptureDestination()
	wl := New(model.PhaseCopy, 1, startFn, endFn, store, nil, dest, settings, nil, nil, logger)

	input1, err := wl.getOrAddInput(context.Background())
	require.NoError(t, err)

	// Calling getOrAddInput again must observe the identical plan,
	// proving planning is idempotent under a resumed run.
	input2, err := wl.getOrAddInput(context.Background())
	require.NoError(t, err)

	assert.Equal(t, input1.StartSN, input2.StartSN)
	assert.Equal(t, input1.EndSN, input2.EndSN)
	assert.Equal(t, input1.WorkerCount, input2.WorkerCount)
	assert.Equal(t, input1.StartedAt, input2.StartedAt)
}

func TestWorkload_IterationCount_IsPerPhaseSingleton(t *testing.T) {
	store := metadatastore.NewMemStore()
	logger := zap.NewNop()
	settings := model.MigrationSettings{CatchupPhaseWorkerCount: 1}

	zeroFn := func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
		return 0, nil
	}

	var dest worker.Destination = newCaptureDestination()

	wl1 := New(model.PhaseCatchup, 1, zeroFn, zeroFn, store, nil, dest, settings, nil, nil, logger)
	_, err := wl1.getOrAddInput(context.Background())
	require.NoError(t, err)

	wl2 := New(model.PhaseCatchup, 2, zeroFn, zeroFn, store, nil, dest, settings, nil, nil, logger)
	_, err = wl2.getOrAddInput(context.Background())
	require.NoError(t, err)

	count, ok, err := metadatastore.GetOrDefaultInt64(context.Background(), &testTxWrapper{store: store}, metadatastore.PhaseIterationCountKey(model.PhaseCatchup))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), count, "the phase-level iteration counter must advance, not fragment per iteration")
}

func TestWorkload_StartOrResume_EmitsPhaseLifecycleEvents(t *testing.T) {
	store := metadatastore.NewMemStore()
	logger := zap.NewNop()
	settings := model.MigrationSettings{CopyPhaseWorkerCount: 2, BatchSize: 10, OperationTimeout: time.Second}

	startFn := func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
		return 1, nil
	}
	endFn := func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
		return 0, nil
	}

	dest := newCaptureDestination()
	sink := &capturingSink{}
	wl := New(model.PhaseCopy, 1, startFn, endFn, store, nil, dest, settings, sink, nil, logger)

	_, err := wl.StartOrResume(context.Background())
	require.NoError(t, err)

	kinds := sink.kinds()
	assert.Contains(t, kinds, telemetry.KindPhaseStarted)
	assert.Contains(t, kinds, telemetry.KindPhaseCompleted)
	assert.Equal(t, telemetry.KindPhaseStarted, kinds[0], "the phase-started event must be emitted before any worker fans out")
}

// testTxWrapper lets a test read one key outside of a WithTx call by
// opening its own transaction around a single Get.
type testTxWrapper struct {
	store *metadatastore.MemStore
}

func (w *testTxWrapper) Get(ctx context.Context, key string) (string, error) {
	var v string
	var err error
	_ = w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		v, err = tx.Get(ctx, key)
		return nil
	})
	return v, err
}

func (w *testTxWrapper) GetOrDefault(ctx context.Context, key string) (string, bool, error) {
	var v string
	var ok bool
	var err error
	_ = w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		v, ok, err = tx.GetOrDefault(ctx, key)
		return nil
	})
	return v, ok, err
}

func (w *testTxWrapper) GetOrAdd(ctx context.Context, key, seed string) (string, error) {
	var v string
	var err error
	_ = w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		v, err = tx.GetOrAdd(ctx, key, seed)
		return nil
	})
	return v, err
}

func (w *testTxWrapper) AddOrUpdate(ctx context.Context, key, initial string, update func(string) string) (string, error) {
	var v string
	var err error
	_ = w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		v, err = tx.AddOrUpdate(ctx, key, initial, update)
		return nil
	})
	return v, err
}
