// Package orchestrator implements the top-level migration state
// machine: it initializes metadata on first run, drives phases in
// order (Copy, Catchup*, Downtime), decides when catchup has
// converged, and exposes Abort()/GetResult()/
// IsActorCallToBeForwarded(). The driver-loop/cancel/abort shape is
// grounded on
// froz-husain-PairDB/coordinator/internal/service/migration_service.go's
// executeMigrationPhases + CancelMigration, generalized from that
// file's fixed four-phase sequence into a data-driven phase
// progression that can iterate Catchup an unbounded number of times.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/statefabric/actormigrate/internal/metadatastore"
	"github.com/statefabric/actormigrate/internal/metrics"
	"github.com/statefabric/actormigrate/internal/model"
	"github.com/statefabric/actormigrate/internal/phase"
	"github.com/statefabric/actormigrate/internal/sourceclient"
	"github.com/statefabric/actormigrate/internal/telemetry"
	"github.com/statefabric/actormigrate/internal/worker"
)

// Orchestrator is the single-writer driver for one partition's
// migration run. Only one Orchestrator may be active per partition at
// a time; leadership is enforced by the caller (internal/leadership),
// not by this package.
type Orchestrator struct {
	store    metadatastore.Store
	source   *sourceclient.Client
	dest     worker.Destination
	settings model.MigrationSettings
	sink     telemetry.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	running  bool
}

func New(store metadatastore.Store, source *sourceclient.Client, dest worker.Destination, settings model.MigrationSettings, sink telemetry.Sink, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Orchestrator{store: store, source: source, dest: dest, settings: settings, sink: sink, metrics: m, logger: logger}
}

// Run drives the migration state machine to completion or to
// cancellation. It is safe to call
// again after a previous Run returned (e.g. following an abort or a
// failover): the next run resumes at whatever phase/iteration was
// persisted.
func (o *Orchestrator) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.cancel = cancel
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
		cancel()
	}()

	if err := o.initMetadataOnce(ctx); err != nil {
		return err
	}

	iter := 1
	p := model.PhaseCopy
	finalCatchupIter := 0
	var lastResult model.PhaseResult

	for {
		if err := ctx.Err(); err != nil {
			o.logger.Info("orchestrator cancelled, leaving persisted state as-is",
				zap.String("phase", p.String()), zap.Int("iteration", iter))
			return err
		}

		wl := o.buildWorkload(p, iter, finalCatchupIter)
		result, err := wl.StartOrResume(ctx)
		if err != nil {
			o.logger.Error("phase failed, orchestrator exiting without completing migration",
				zap.String("phase", p.String()), zap.Int("iteration", iter), zap.Error(err))
			return err
		}
		lastResult = result

		next, nextIter, terminal, err := o.nextRunner(ctx, p, iter, result)
		if err != nil {
			return err
		}
		if terminal {
			break
		}
		if p == model.PhaseCatchup && next == model.PhaseDowntime {
			// iter is still the converging Catchup iteration here;
			// Downtime itself always runs as iteration 1, so this is
			// the only place that iteration number is observable.
			finalCatchupIter = iter
		}
		p, iter = next, nextIter
	}

	return o.recordCompletion(ctx, lastResult)
}

// buildWorkload wires one (phase, iteration)'s computeStartSN/
// computeEndSN pair according to that phase's own SN boundary rules.
// finalCatchupIter is only consulted for PhaseDowntime, which always
// runs as iteration 1 regardless of how many Catchup iterations
// preceded it; it names the Catchup iteration whose endSN Downtime's
// own range must start just after.
func (o *Orchestrator) buildWorkload(p model.MigrationPhase, iter, finalCatchupIter int) *phase.Workload {
	var startFn, endFn phase.SNRangeFunc

	switch p {
	case model.PhaseCopy:
		startFn = func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
			if v, ok, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.KeyMigrationLastAppliedSeqNum); err != nil {
				return 0, err
			} else if ok {
				return v, nil
			}
			return source.GetStartSN(ctx)
		}
		endFn = func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
			return source.GetEndSN(ctx)
		}

	case model.PhaseCatchup:
		startFn = func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
			return previousCatchupPredecessorEndSNPlusOne(ctx, tx, iter)
		}
		endFn = func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
			return source.GetEndSN(ctx)
		}

	case model.PhaseDowntime:
		startFn = func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
			endSN, err := metadatastore.GetInt64(ctx, tx, metadatastore.PhaseEndSeqNumKey(model.PhaseCatchup, finalCatchupIter))
			if err != nil {
				return 0, err
			}
			return endSN + 1, nil
		}
		// Downtime's endSN must be a fresh GetEndSN taken after RejectWrites has
		// already returned — never the value observed during
		// planning of the prior Catchup — or in-flight writes that
		// land after that planning snapshot but before RejectWrites
		// takes effect would be silently dropped. RejectWrites is
		// invoked by nextRunner before Downtime's Workload is built,
		// so this call is always post-rejection.
		endFn = func(ctx context.Context, tx metadatastore.Tx, source *sourceclient.Client) (int64, error) {
			return source.GetEndSN(ctx)
		}
	}

	return phase.New(p, iter, startFn, endFn, o.store, o.source, o.dest, o.settings, o.sink, o.metrics, o.logger)
}

// previousCatchupPredecessorEndSNPlusOne reads the endSN row one
// iteration before Catchup(iter): Copy's endSN for Catchup(1), or
// Catchup(iter-1)'s endSN otherwise.
func previousCatchupPredecessorEndSNPlusOne(ctx context.Context, tx metadatastore.Tx, iter int) (int64, error) {
	prevPhase, prevIter := model.PhaseCatchup, iter-1
	if iter == 1 {
		prevPhase, prevIter = model.PhaseCopy, 1
	}

	endSN, err := metadatastore.GetInt64(ctx, tx, metadatastore.PhaseEndSeqNumKey(prevPhase, prevIter))
	if err != nil {
		return 0, err
	}
	return endSN + 1, nil
}

// nextRunner decides which (phase, iteration) runs next, given the
// phase that just completed and its result.
func (o *Orchestrator) nextRunner(ctx context.Context, p model.MigrationPhase, iter int, result model.PhaseResult) (nextPhase model.MigrationPhase, nextIter int, terminal bool, err error) {
	switch p {
	case model.PhaseCopy:
		return model.PhaseCatchup, 1, false, nil

	case model.PhaseCatchup:
		endSN, err := o.source.GetEndSN(ctx)
		if err != nil {
			return 0, 0, false, err
		}
		delta := endSN - result.EndSN
		if delta > o.settings.DowntimeThreshold {
			return model.PhaseCatchup, iter + 1, false, nil
		}
		if err := o.source.RejectWrites(ctx); err != nil {
			return 0, 0, false, err
		}
		o.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindWritesRejected, p, iter, 0, nil))
		return model.PhaseDowntime, 1, false, nil

	case model.PhaseDowntime:
		return model.PhaseNone, 0, true, nil
	}
	return model.PhaseNone, 0, true, nil
}

// initMetadataOnce seeds MigrationStartDateTimeUTC and
// MigrationCurrentStatus on the very first run of a partition's
// migration; a resumed run observes the existing values via getOrAdd
// and does nothing further here.
func (o *Orchestrator) initMetadataOnce(ctx context.Context) error {
	return o.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		if _, err := metadatastore.GetOrAddTime(ctx, tx, metadatastore.KeyMigrationStartDateTimeUTC, time.Now()); err != nil {
			return err
		}
		_, err := tx.GetOrAdd(ctx, metadatastore.KeyMigrationCurrentStatus, string(model.MigrationStateInProgress))
		return err
	})
}

// recordCompletion performs terminal bookkeeping: MigrationEndSeqNum
// is written exactly once here, at the moment the final phase
// (Downtime) completes.
func (o *Orchestrator) recordCompletion(ctx context.Context, lastResult model.PhaseResult) error {
	now := time.Now()
	return o.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		if _, err := tx.AddOrUpdate(ctx, metadatastore.KeyMigrationEndDateTimeUTC, now.UTC().Format(time.RFC3339Nano), func(string) string {
			return now.UTC().Format(time.RFC3339Nano)
		}); err != nil {
			return err
		}
		// getOrAdd, not addOrUpdate: MigrationEndSeqNum must be
		// written exactly once across the lifetime of a migration; a
		// second Run (e.g. after a restart that observes an
		// already-Completed status) must never overwrite it.
		if _, err := metadatastore.GetOrAddInt64(ctx, tx, metadatastore.KeyMigrationEndSeqNum, lastResult.EndSN); err != nil {
			return err
		}
		return metadatastore.AddOrUpdateState(ctx, tx, metadatastore.KeyMigrationCurrentStatus, model.MigrationStateCompleted)
	})
}

// Abort marks the migration Aborted, cancels the driver loop, and
// best-effort resumes writes on
// the source so the legacy service keeps serving while the migration
// sits idle. A subsequent call to Run resumes at whatever phase/
// iteration was in progress.
func (o *Orchestrator) Abort(ctx context.Context) error {
	err := o.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		return metadatastore.AddOrUpdateState(ctx, tx, metadatastore.KeyMigrationCurrentStatus, model.MigrationStateAborted)
	})

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	if resumeErr := o.source.ResumeWrites(ctx); resumeErr != nil {
		o.logger.Warn("best-effort ResumeWrites after abort failed", zap.Error(resumeErr))
	} else {
		o.sink.Emit(ctx, telemetry.New(time.Now(), telemetry.KindWritesResumed, model.PhaseNone, 0, 0, nil))
	}

	return err
}

// IsActorCallToBeForwarded implements the predicate the Forwarding
// Dispatcher queries per request: calls are forwarded to the source
// until the migration reaches Completed.
func (o *Orchestrator) IsActorCallToBeForwarded(ctx context.Context) (bool, error) {
	status, err := o.GetStatus(ctx)
	if err != nil {
		return true, err
	}
	return status != model.MigrationStateCompleted, nil
}

// IsRunning reports whether this process currently owns an active
// driver loop for this partition, used by internal/health's readiness
// check to distinguish "idle, nothing to do" from "stuck".
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// GetStatus reads MigrationCurrentStatus, defaulting to None if the
// migration has never been initialized on this partition.
func (o *Orchestrator) GetStatus(ctx context.Context) (model.MigrationState, error) {
	var status model.MigrationState
	err := o.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		s, ok, err := metadatastore.GetOrDefaultState(ctx, tx, metadatastore.KeyMigrationCurrentStatus)
		if err != nil {
			return err
		}
		if ok {
			status = s
		} else {
			status = model.MigrationStateNone
		}
		return nil
	})
	return status, err
}

// GetResult is a pure reader: it reconstructs a MigrationResult
// entirely from the metadata keyspace and never calls the source or
// destination. A migration that has not started or is incomplete
// reads as its last durable state, not as an error; an error is
// returned only when the metadata transaction fails or a stored value
// cannot be parsed.
func (o *Orchestrator) GetResult(ctx context.Context) (model.MigrationResult, error) {
	var result model.MigrationResult

	err := o.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		status, ok, err := metadatastore.GetOrDefaultState(ctx, tx, metadatastore.KeyMigrationCurrentStatus)
		if err != nil {
			return err
		}
		if !ok {
			result = model.MigrationResult{Status: model.MigrationStateNone}
			return nil
		}

		currentPhase, _, err := getCurrentPhase(ctx, tx)
		if err != nil {
			return err
		}
		startSN, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.KeyMigrationStartSeqNum)
		if err != nil {
			return err
		}
		endSN, endKnown, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.KeyMigrationEndSeqNum)
		if err != nil {
			return err
		}
		keysMigrated, _, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.KeyMigrationNoOfKeysMigrated)
		if err != nil {
			return err
		}
		startedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, metadatastore.KeyMigrationStartDateTimeUTC)
		if err != nil {
			return err
		}
		endedAt, _, err := metadatastore.GetOrDefaultTime(ctx, tx, metadatastore.KeyMigrationEndDateTimeUTC)
		if err != nil {
			return err
		}

		result = model.MigrationResult{
			Status:       status,
			CurrentPhase: currentPhase,
			StartSN:      startSN,
			EndSN:        endSN,
			EndSNKnown:   endKnown,
			KeysMigrated: keysMigrated,
			StartedAt:    startedAt,
			EndedAt:      endedAt,
		}
		return nil
	})
	if err != nil {
		return model.MigrationResult{}, err
	}

	// Each phase's PhaseResults is bounded by that phase's OWN
	// PhaseIterationCount row, never by Catchup's iteration count
	// borrowed across phases.
	for p := model.PhaseCopy; p <= result.CurrentPhase && p <= model.PhaseDowntime; p++ {
		iterCount, err := o.phaseIterationCount(ctx, p)
		if err != nil {
			return model.MigrationResult{}, err
		}
		for iter := 1; iter <= iterCount; iter++ {
			pr, err := phase.GetResult(ctx, o.store, p, iter)
			if err != nil {
				return model.MigrationResult{}, err
			}
			result.PhaseResults = append(result.PhaseResults, pr)
		}
	}

	return result, nil
}

func (o *Orchestrator) phaseIterationCount(ctx context.Context, p model.MigrationPhase) (int, error) {
	var count int64
	err := o.store.WithTx(ctx, func(ctx context.Context, tx metadatastore.Tx) error {
		v, ok, err := metadatastore.GetOrDefaultInt64(ctx, tx, metadatastore.PhaseIterationCountKey(p))
		if err != nil {
			return err
		}
		if ok {
			count = v
		}
		return nil
	})
	return int(count), err
}

func getCurrentPhase(ctx context.Context, tx metadatastore.Tx) (model.MigrationPhase, bool, error) {
	raw, ok, err := tx.GetOrDefault(ctx, metadatastore.KeyMigrationCurrentPhase)
	if err != nil || !ok {
		return model.PhaseNone, ok, err
	}
	p, valid := model.ParsePhase(raw)
	if !valid {
		return model.PhaseNone, false, nil
	}
	return p, true, nil
}
