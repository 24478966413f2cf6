// Package phase implements the phase workload: one instance per
// (phase, iteration), responsible for planning a [startSN, endSN]
// range under getOrAdd idempotence, sharding it across N workers,
// fanning them out, and atomically recording completion. The
// fan-out/aggregate shape is grounded on
// froz-husain-PairDB/coordinator/internal/service/migration_service.go's
// phase-sequencing (executeDualWritePhase/executeDataCopyPhase/...),
// generalized from that file's fixed phase list into a single
// data-driven Workload parameterized by computeStartSN/computeEndSN so
// the same type drives Copy, every Catchup iteration, and Downtime.
// Error aggregation across concurrent workers uses
// hashicorp/go-multierror, the same library hashicorp/memberlist pulls
// in transitively for its own internal fan-out.
package phase

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
	"github.com/statefabric/actormigrate/internal/metrics"
	"github.com/statefabric/actormigrate/internal/model"
	"github.com/statefabric/actormigrate/internal/sourceclient"
	"github.com/statefabric/actormigrate/internal/telemetry"
	"github.com/statefabric/actormigrate/internal/worker"
)

// SNRangeFunc computes this phase's startSN or endSN given the
// previously observed global/phase state. Implementations issue
// source client calls or read prior phase rows as needed.
type SNRangeFunc func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error)

// Workload runs a single (phase, iteration) to completion.
type Workload struct {
	Phase     model.MigrationPhase
	Iteration int

	ComputeStartSN SNRangeFunc
	ComputeEndSN   SNRangeFunc

	store    metadatastore.Store
	source   *sourceclient.Client
	settings model.MigrationSettings
	sink     telemetry.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	runWorker func(ctx context.Context, input model.WorkerInput, settings model.MigrationSettings) (model.WorkerResult, error)
}

// New constructs a Workload for one (phase, iteration), wiring a
// Worker instance whose Run method drives the actual stream-and-apply
// loop. The worker count is resolved from settings by phase kind
// (workerCountForPhase) when the plan is made.
func New(
	p model.MigrationPhase,
	iteration int,
	computeStartSN, computeEndSN SNRangeFunc,
	store metadatastore.Store,
	source *sourceclient.Client,
	dest worker.Destination,
	settings model.MigrationSettings,
	sink telemetry.Sink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Workload {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	w := worker.New(store, source, dest, sink, m, logger)
	return &Workload{
		Phase:          p,
		Iteration:      iteration,
		ComputeStartSN: computeStartSN,
		ComputeEndSN:   computeEndSN,
		store:          store,
		source:         source,
		settings:       settings,
		sink:           sink,
		metrics:        m,
		logger:         logger,
		runWorker:      w.Run,
	}
}

// StartOrResume plans (or resumes) this (phase, iteration) and runs
// it to completion.
func (wl *Workload) StartOrResume(ctx context.Context) (model.PhaseResult, error) {
	input, err := wl.getOrAddInput(ctx)
	if err != nil {
		return model.PhaseResult{}, err
	}

	wl.metrics.RecordPhaseStarted(wl.Phase.String())
	wl.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindPhaseStarted, wl.Phase, wl.Iteration, 0, map[string]any{
		"startSN":     input.StartSN,
		"endSN":       input.EndSN,
		"workerCount": input.WorkerCount,
	}))

	results := make([]model.WorkerResult, len(input.Workers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error

	for i, wi := range input.Workers {
		wg.Add(1)
		go func(i int, wi model.WorkerInput) {
			defer wg.Done()
			res, err := wl.runWorker(ctx, wi, wl.settings)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, err)
				return
			}
			results[i] = res
		}(i, wi)
	}
	wg.Wait()

	if merr != nil {
		wl.metrics.RecordPhaseFailed(wl.Phase.String())
		wl.logger.Error("phase workload failed",
			zap.String("phase", wl.Phase.String()),
			zap.Int("iteration", wl.Iteration),
			zap.Error(merr))
		wl.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindPhaseFailed, wl.Phase, wl.Iteration, 0, map[string]any{
			"error": merr.Error(),
		}))
		return model.PhaseResult{}, merr.ErrorOrNil()
	}

	return wl.recordCompletion(ctx, input, results)
}

// getOrAddInput runs the planning transaction. It runs on every call,
// but thanks to getOrAdd idempotence only the first run per (phase,
// iteration) fixes the plan; resuming after a crash observes the same
// plan.
func (wl *Workload) getOrAddInput(ctx context.Context) (model.PhaseInput, error) {
	var input model.PhaseInput

	err := wl.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		if _, err := metadatastore.AddOrUpdatePhase(ctx, tx, metadatastore.KeyMigrationCurrentPhase, wl.Phase); err != nil {
			return err
		}

		startedAt, err := metadatastore.GetOrAddTime(ctx, tx, metadatastore.PhaseStartDateTimeUTCKey(wl.Phase, wl.Iteration), time.Now())
		if err != nil {
			return err
		}

		if _, err := metadatastore.GetOrAddPhaseStatus(ctx, tx, metadatastore.PhaseCurrentStatusKey(wl.Phase, wl.Iteration), model.PhaseStatusInProgress); err != nil {
			return err
		}

		startSN, err := wl.ComputeStartSN(ctx, tx, wl.source)
		if err != nil {
			return err
		}
		startSN, err = metadatastore.GetOrAddInt64(ctx, tx, metadatastore.PhaseStartSeqNumKey(wl.Phase, wl.Iteration), startSN)
		if err != nil {
			return err
		}

		// First phase only: seed the global start; later phases
		// observe the value the first phase already wrote.
		if _, err := metadatastore.GetOrAddInt64(ctx, tx, metadatastore.KeyMigrationStartSeqNum, startSN); err != nil {
			return err
		}

		endSN, err := wl.ComputeEndSN(ctx, tx, wl.source)
		if err != nil {
			return err
		}
		endSN, err = metadatastore.GetOrAddInt64(ctx, tx, metadatastore.PhaseEndSeqNumKey(wl.Phase, wl.Iteration), endSN)
		if err != nil {
			return err
		}

		if _, err := metadatastore.AddOrUpdateInt64(ctx, tx, metadatastore.PhaseIterationCountKey(wl.Phase), int64(wl.Iteration), func(int64) int64 {
			return int64(wl.Iteration)
		}); err != nil {
			return err
		}

		workerCount, err := metadatastore.GetOrAddInt64(ctx, tx, metadatastore.PhaseWorkerCountKey(wl.Phase, wl.Iteration), int64(wl.workerCountForPhase()))
		if err != nil {
			return err
		}

		workers, err := partitionAndSeedWorkers(ctx, tx, wl.Phase, wl.Iteration, startSN, endSN, int(workerCount), startedAt)
		if err != nil {
			return err
		}

		input = model.PhaseInput{
			Phase:       wl.Phase,
			Iteration:   wl.Iteration,
			StartSN:     startSN,
			EndSN:       endSN,
			WorkerCount: int(workerCount),
			StartedAt:   startedAt,
			Workers:     workers,
		}
		return nil
	})

	return input, err
}

func (wl *Workload) workerCountForPhase() int {
	switch wl.Phase {
	case model.PhaseCopy:
		return wl.settings.CopyPhaseWorkerCount
	default:
		return wl.settings.CatchupPhaseWorkerCount
	}
}

// partitionAndSeedWorkers partitions [startSN, endSN] across
// workerCount workers and seeds each worker's plan rows via getOrAdd.
func partitionAndSeedWorkers(
	ctx context.Context,
	tx metadatastore.Tx,
	p model.MigrationPhase,
	iter int,
	startSN, endSN int64,
	workerCount int,
	startedAt time.Time,
) ([]model.WorkerInput, error) {
	ranges := PartitionRange(startSN, endSN, workerCount)

	workers := make([]model.WorkerInput, workerCount)
	for i := 0; i < workerCount; i++ {
		workerID := i + 1
		r := ranges[i]

		wStart, err := metadatastore.GetOrAddInt64(ctx, tx, metadatastore.WorkerStartSeqNumKey(p, iter, workerID), r.Start)
		if err != nil {
			return nil, err
		}
		wEnd, err := metadatastore.GetOrAddInt64(ctx, tx, metadatastore.WorkerEndSeqNumKey(p, iter, workerID), r.End)
		if err != nil {
			return nil, err
		}
		wStartedAt, err := metadatastore.GetOrAddTime(ctx, tx, metadatastore.WorkerStartDateTimeUTCKey(p, iter, workerID), startedAt)
		if err != nil {
			return nil, err
		}
		status, err := metadatastore.GetOrAddWorkerStatus(ctx, tx, metadatastore.WorkerCurrentStatusKey(p, iter, workerID), model.WorkerStatusPending)
		if err != nil {
			return nil, err
		}

		workers[i] = model.WorkerInput{
			WorkerID:  workerID,
			Phase:     p,
			Iteration: iter,
			StartSN:   wStart,
			EndSN:     wEnd,
			StartedAt: wStartedAt,
			Status:    status,
		}
	}
	return workers, nil
}

// snRange is one worker's assigned slice.
type snRange struct {
	Start, End int64
}

// PartitionRange splits [startSN, endSN] into workerCount contiguous
// slices: worker 1 gets [startSN, startSN+per], worker k+1 starts at worker k's end
// + 1, and the last worker's end is clamped to endSN. If delta <
// workerCount, extra workers receive an empty range (End < Start)
// and complete immediately.
func PartitionRange(startSN, endSN int64, workerCount int) []snRange {
	ranges := make([]snRange, workerCount)
	if workerCount <= 0 {
		return ranges
	}

	delta := endSN - startSN
	if delta < 0 {
		for i := range ranges {
			ranges[i] = snRange{Start: startSN, End: startSN - 1}
		}
		return ranges
	}

	per := delta / int64(workerCount)
	cursor := startSN
	for i := 0; i < workerCount; i++ {
		if cursor > endSN {
			ranges[i] = snRange{Start: cursor, End: cursor - 1}
			continue
		}
		end := cursor + per
		if i == workerCount-1 || end > endSN {
			end = endSN
		}
		ranges[i] = snRange{Start: cursor, End: end}
		cursor = end + 1
	}
	return ranges
}

// recordCompletion runs the post-fan-out bookkeeping transaction:
// phase end time, last-applied SN, total keys migrated, status, and
// propagation to the global counters.
func (wl *Workload) recordCompletion(ctx context.Context, input model.PhaseInput, results []model.WorkerResult) (model.PhaseResult, error) {
	var keysMigrated int64
	for _, r := range results {
		keysMigrated += r.KeysMigrated
	}

	now := time.Now()
	err := wl.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		prevStatus, hadStatus, err := tx.GetOrDefault(ctx, metadatastore.PhaseCurrentStatusKey(wl.Phase, wl.Iteration))
		if err != nil {
			return err
		}
		alreadyCompleted := hadStatus && model.PhaseStatus(prevStatus) == model.PhaseStatusCompleted

		if _, err := tx.AddOrUpdate(ctx, metadatastore.PhaseEndDateTimeUTCKey(wl.Phase, wl.Iteration), now.UTC().Format(time.RFC3339Nano), func(string) string {
			return now.UTC().Format(time.RFC3339Nano)
		}); err != nil {
			return err
		}
		if _, err := metadatastore.AddOrUpdateInt64(ctx, tx, metadatastore.PhaseLastAppliedSeqNumKey(wl.Phase, wl.Iteration), input.EndSN, func(int64) int64 {
			return input.EndSN
		}); err != nil {
			return err
		}
		if _, err := metadatastore.AddOrUpdateInt64(ctx, tx, metadatastore.PhaseNoOfKeysMigratedKey(wl.Phase, wl.Iteration), keysMigrated, func(int64) int64 {
			return keysMigrated
		}); err != nil {
			return err
		}
		if err := metadatastore.AddOrUpdatePhaseStatus(ctx, tx, metadatastore.PhaseCurrentStatusKey(wl.Phase, wl.Iteration), model.PhaseStatusCompleted); err != nil {
			return err
		}

		if _, err := metadatastore.AddOrUpdateInt64(ctx, tx, metadatastore.KeyMigrationLastAppliedSeqNum, input.EndSN, func(old int64) int64 {
			if input.EndSN > old {
				return input.EndSN
			}
			return old
		}); err != nil {
			return err
		}
		if alreadyCompleted {
			// A resumed run replays this phase's workers, which
			// short-circuit via checkAlreadyCompleted and return the
			// same persisted KeysMigrated. Recomputing the phase row
			// above is idempotent, but adding into the global counter
			// again would double-count it.
			return nil
		}

		_, err = metadatastore.AddOrUpdateInt64(ctx, tx, metadatastore.KeyMigrationNoOfKeysMigrated, keysMigrated, func(old int64) int64 {
			return old + keysMigrated
		})
		return err
	})
	if err != nil {
		return model.PhaseResult{}, err
	}

	wl.metrics.RecordPhaseCompleted(wl.Phase.String(), now.Sub(input.StartedAt).Seconds())
	wl.sink.Emit(ctx, telemetry.New(now, telemetry.KindPhaseCompleted, wl.Phase, wl.Iteration, 0, map[string]any{
		"endSN":        input.EndSN,
		"keysMigrated": keysMigrated,
	}))

	return model.PhaseResult{
		Phase:         wl.Phase,
		Iteration:     wl.Iteration,
		Status:        model.PhaseStatusCompleted,
		StartedAt:     input.StartedAt,
		EndedAt:       now,
		StartSN:       input.StartSN,
		EndSN:         input.EndSN,
		LastAppliedSN: input.EndSN,
		KeysMigrated:  keysMigrated,
		Workers:       results,
	}, nil
}

// GetResult reads back the observed outcome of one (phase, iteration)
// purely from the metadata keyspace, without running anything.
func GetResult(ctx context.Context, store metadatastore.Store, p model.MigrationPhase, iter int) (model.PhaseResult, error) {
	var result model.PhaseResult
	err := store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		status, ok, err := tx.GetOrDefault(ctx, metadatastore.PhaseCurrentStatusKey(p, iter))
		if err != nil {
			return err
		}
		if !ok {
			result = model.PhaseResult{Phase: p, Iteration: iter}
			return nil
		}

		startedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, metadatastore.PhaseStartDateTimeUTCKey(p, iter))
		if err != nil {
			return err
		}
		endedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, metadatastore.PhaseEndDateTimeUTCKey(p, iter))
		if err != nil {
			return err
		}
		startSN, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.PhaseStartSeqNumKey(p, iter))
		if err != nil {
			return err
		}
		endSN, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.PhaseEndSeqNumKey(p, iter))
		if err != nil {
			return err
		}
		lastApplied, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.PhaseLastAppliedSeqNumKey(p, iter))
		if err != nil {
			return err
		}
		keysMigrated, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.PhaseNoOfKeysMigratedKey(p, iter))
		if err != nil {
			return err
		}
		workerCount, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.PhaseWorkerCountKey(p, iter))
		if err != nil {
			return err
		}

		workers := make([]model.WorkerResult, 0, workerCount)
		for wid := 1; wid <= int(workerCount); wid++ {
			wr, ok, err := getWorkerResult(ctx, tx, p, iter, wid)
			if err != nil {
				return err
			}
			if ok {
				workers = append(workers, wr)
			}
		}

		result = model.PhaseResult{
			Phase:         p,
			Iteration:     iter,
			Status:        model.PhaseStatus(status),
			StartedAt:     startedAt,
			EndedAt:       endedAt,
			StartSN:       startSN,
			EndSN:         endSN,
			LastAppliedSN: lastApplied,
			KeysMigrated:  keysMigrated,
			Workers:       workers,
		}
		return nil
	})
	return result, err
}

func getWorkerResult(ctx context.Context, tx metadatastore.Tx, p model.MigrationPhase, iter, workerID int) (model.WorkerResult, bool, error) {
	status, ok, err := tx.GetOrDefault(ctx, metadatastore.WorkerCurrentStatusKey(p, iter, workerID))
	if err != nil || !ok {
		return model.WorkerResult{}, false, err
	}

	startedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, metadatastore.WorkerStartDateTimeUTCKey(p, iter, workerID))
	if err != nil {
		return model.WorkerResult{}, false, err
	}
	endedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, metadatastore.WorkerEndDateTimeUTCKey(p, iter, workerID))
	if err != nil {
		return model.WorkerResult{}, false, err
	}
	startSN, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.WorkerStartSeqNumKey(p, iter, workerID))
	if err != nil {
		return model.WorkerResult{}, false, err
	}
	endSN, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.WorkerEndSeqNumKey(p, iter, workerID))
	if err != nil {
		return model.WorkerResult{}, false, err
	}
	lastApplied, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.WorkerLastAppliedSeqNumKey(p, iter, workerID))
	if err != nil {
		return model.WorkerResult{}, false, err
	}
	keysMigrated, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.WorkerNoOfKeysMigratedKey(p, iter, workerID))
	if err != nil {
		return model.WorkerResult{}, false, err
	}

	return model.WorkerResult{
		WorkerID:      workerID,
		Status:        model.WorkerStatus(status),
		StartedAt:     startedAt,
		EndedAt:       endedAt,
		StartSN:       startSN,
		EndSN:         endSN,
		LastAppliedSN: lastApplied,
		KeysMigrated:  keysMigrated,
	}, true, nil
}
