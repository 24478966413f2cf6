// Package worker implements the migration worker: it consumes a
// contiguous [startSN, endSN] slice, streams records from
// the source, applies them to the destination, and checkpoints its
// progress under its own worker-scoped metadata rows. The resume/
// checkpoint/retry shape is grounded on
// 10yihang-autocache/internal/engine/tiered/migrator.go's
// tiered-migration loop and on storage-node's hinted-handoff replay,
// both of which stream a bounded range and commit progress
// incrementally rather than atomically at the end.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
	"github.com/statefabric/actormigrate/internal/metrics"
	"github.com/statefabric/actormigrate/internal/migerr"
	"github.com/statefabric/actormigrate/internal/model"
	"github.com/statefabric/actormigrate/internal/sourceclient"
	"github.com/statefabric/actormigrate/internal/telemetry"
)

// Worker runs one WorkerInput to completion (or to cancellation).
type Worker struct {
	store   metadatastore.Store
	source  *sourceclient.Client
	dest    Destination
	sink    telemetry.Sink
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(store metadatastore.Store, source *sourceclient.Client, dest Destination, sink telemetry.Sink, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Worker{store: store, source: source, dest: dest, sink: sink, metrics: m, logger: logger}
}

// Run executes workerInput's assigned [startSN, endSN] range, batched
// by settings.BatchSize and checkpointed every settings.CheckpointEvery
// applied batches (plus once more, unconditionally, after the stream
// ends):
//  1. already-Completed short-circuits to the persisted result.
//  2. resumeFrom = (lastAppliedSeqNum ?? startSN-1) + 1.
//  3. stream [resumeFrom, endSN], applying every batch and
//     checkpointing on the configured cadence.
//  4. mark Completed on clean exit.
func (w *Worker) Run(ctx context.Context, input model.WorkerInput, settings model.MigrationSettings) (model.WorkerResult, error) {
	statusKey := metadatastore.WorkerCurrentStatusKey(input.Phase, input.Iteration, input.WorkerID)
	lastAppliedKey := metadatastore.WorkerLastAppliedSeqNumKey(input.Phase, input.Iteration, input.WorkerID)
	keysMigratedKey := metadatastore.WorkerNoOfKeysMigratedKey(input.Phase, input.Iteration, input.WorkerID)
	startedAtKey := metadatastore.WorkerStartDateTimeUTCKey(input.Phase, input.Iteration, input.WorkerID)
	endedAtKey := metadatastore.WorkerEndDateTimeUTCKey(input.Phase, input.Iteration, input.WorkerID)

	if existing, done, err := w.checkAlreadyCompleted(ctx, input, statusKey, lastAppliedKey, keysMigratedKey, startedAtKey, endedAtKey); err != nil {
		return model.WorkerResult{}, err
	} else if done {
		return existing, nil
	}

	w.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindWorkerStarted, input.Phase, input.Iteration, input.WorkerID, map[string]any{
		"startSN": input.StartSN,
		"endSN":   input.EndSN,
	}))

	var lastApplied int64
	var keysMigrated int64
	err := w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		v, ok, err := metadatastore.GetOrDefaultInt64(ctx, tx, lastAppliedKey)
		if err != nil {
			return err
		}
		if ok {
			lastApplied = v
		} else {
			lastApplied = input.StartSN - 1
		}
		v2, ok2, err := metadatastore.GetOrDefaultInt64(ctx, tx, keysMigratedKey)
		if err != nil {
			return err
		}
		if ok2 {
			keysMigrated = v2
		}
		return nil
	})
	if err != nil {
		return model.WorkerResult{}, err
	}

	resumeFrom := lastApplied + 1
	batchSize := settings.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	checkpointEvery := settings.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 1
	}

	if resumeFrom <= input.EndSN {
		var batch []sourceclient.KeyRecord
		batchesApplied := 0

		checkpoint := func() error {
			return w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
				if _, err := metadatastore.AddOrUpdateInt64(ctx, tx, lastAppliedKey, lastApplied, func(old int64) int64 {
					if lastApplied > old {
						return lastApplied
					}
					return old
				}); err != nil {
					return err
				}
				_, err := metadatastore.AddOrUpdateInt64(ctx, tx, keysMigratedKey, keysMigrated, func(old int64) int64 {
					if keysMigrated > old {
						return keysMigrated
					}
					return old
				})
				return err
			})
		}

		// apply pushes one batch to the destination and advances the
		// in-memory progress unconditionally, but only persists a
		// checkpoint every checkpointEvery applied batches; the
		// unconditional checkpoint after the stream ends (below) covers
		// whatever partial run of batches falls short of a boundary.
		apply := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := w.dest.ApplyBatch(ctx, batch); err != nil {
				w.metrics.RecordWorkerApplyError(input.Phase.String())
				return migerr.Apply(batch[len(batch)-1].SeqNum, err)
			}
			highSN := batch[len(batch)-1].SeqNum
			lastApplied = highSN
			keysMigrated += int64(len(batch))
			w.metrics.RecordWorkerBatch(input.Phase.String(), len(batch))
			w.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindBatchApplied, input.Phase, input.Iteration, input.WorkerID, map[string]any{
				"batchSize": len(batch),
				"highSN":    highSN,
			}))
			batch = batch[:0]
			batchesApplied++
			if batchesApplied%checkpointEvery == 0 {
				return checkpoint()
			}
			return nil
		}

		streamErr := w.source.EnumerateKeys(ctx, resumeFrom, input.EndSN, func(rec sourceclient.KeyRecord) error {
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				return apply()
			}
			return nil
		})
		if streamErr == nil {
			streamErr = apply()
		}
		if streamErr == nil {
			streamErr = checkpoint()
		}
		if streamErr != nil {
			w.logger.Warn("migration worker failed",
				zap.Int("worker_id", input.WorkerID),
				zap.String("phase", input.Phase.String()),
				zap.Int("iteration", input.Iteration),
				zap.Error(streamErr))
			w.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindWorkerFailed, input.Phase, input.Iteration, input.WorkerID, map[string]any{
				"error": streamErr.Error(),
			}))
			return model.WorkerResult{}, streamErr
		}
	}

	now := time.Now()
	err = w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		return metadatastore.AddOrUpdateWorkerStatus(ctx, tx, statusKey, model.WorkerStatusCompleted)
	})
	if err != nil {
		return model.WorkerResult{}, err
	}
	_ = w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		_, err := tx.AddOrUpdate(ctx, endedAtKey, now.UTC().Format(time.RFC3339Nano), func(string) string {
			return now.UTC().Format(time.RFC3339Nano)
		})
		return err
	})

	w.sink.Emit(ctx, telemetry.New(now, telemetry.KindWorkerCompleted, input.Phase, input.Iteration, input.WorkerID, map[string]any{
		"lastAppliedSN": lastApplied,
		"keysMigrated":  keysMigrated,
	}))

	return model.WorkerResult{
		WorkerID:      input.WorkerID,
		Status:        model.WorkerStatusCompleted,
		StartedAt:     input.StartedAt,
		EndedAt:       now,
		StartSN:       input.StartSN,
		EndSN:         input.EndSN,
		LastAppliedSN: lastApplied,
		KeysMigrated:  keysMigrated,
	}, nil
}

func (w *Worker) checkAlreadyCompleted(
	ctx context.Context,
	input model.WorkerInput,
	statusKey, lastAppliedKey, keysMigratedKey, startedAtKey, endedAtKey string,
) (model.WorkerResult, bool, error) {
	var result model.WorkerResult
	var isCompleted bool

	err := w.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		raw, ok, err := tx.GetOrDefault(ctx, statusKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if model.WorkerStatus(raw) != model.WorkerStatusCompleted {
			return nil
		}
		isCompleted = true

		lastApplied, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, lastAppliedKey)
		if err != nil {
			return err
		}
		keysMigrated, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, keysMigratedKey)
		if err != nil {
			return err
		}
		startedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, startedAtKey)
		if err != nil {
			return err
		}
		endedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, endedAtKey)
		if err != nil {
			return err
		}
		result = model.WorkerResult{
			WorkerID:      input.WorkerID,
			Status:        model.WorkerStatusCompleted,
			StartedAt:     startedAt,
			EndedAt:       endedAt,
			StartSN:       input.StartSN,
			EndSN:         input.EndSN,
			LastAppliedSN: lastApplied,
			KeysMigrated:  keysMigrated,
		}
		return nil
	})
	if err != nil {
		return model.WorkerResult{}, false, err
	}
	return result, isCompleted, nil
}
