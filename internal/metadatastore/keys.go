package metadatastore

import (
	"fmt"

	"github.com/statefabric/actormigrate/internal/model"
)

// Global keys, unprefixed — one row per migration run on a partition.
const (
	KeyMigrationStartDateTimeUTC  = "MigrationStartDateTimeUTC"
	KeyMigrationEndDateTimeUTC    = "MigrationEndDateTimeUTC"
	KeyMigrationCurrentStatus     = "MigrationCurrentStatus"
	KeyMigrationCurrentPhase      = "MigrationCurrentPhase"
	KeyMigrationStartSeqNum       = "MigrationStartSeqNum"
	KeyMigrationEndSeqNum         = "MigrationEndSeqNum"
	KeyMigrationLastAppliedSeqNum = "MigrationLastAppliedSeqNum"
	KeyMigrationNoOfKeysMigrated  = "MigrationNoOfKeysMigrated"
	KeyMigrationOwnerLeaseExpiry  = "MigrationOwnerLeaseExpiresAtUTC"
)

// phaseKey builds a composite per-phase key: Phase_<field>_<phase>_<iter>.
func phaseKey(field string, phase model.MigrationPhase, iter int) string {
	return fmt.Sprintf("Phase_%s_%s_%d", field, phase, iter)
}

// workerKey builds a composite per-worker key:
// Phase_<field>_<phase>_<iter>_<workerId>.
func workerKey(field string, phase model.MigrationPhase, iter, workerID int) string {
	return fmt.Sprintf("Phase_%s_%s_%d_%d", field, phase, iter, workerID)
}

func PhaseCurrentStatusKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("CurrentStatus", phase, iter)
}

func PhaseStartDateTimeUTCKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("StartDateTimeUTC", phase, iter)
}

func PhaseEndDateTimeUTCKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("EndDateTimeUTC", phase, iter)
}

func PhaseStartSeqNumKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("StartSeqNum", phase, iter)
}

func PhaseEndSeqNumKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("EndSeqNum", phase, iter)
}

func PhaseLastAppliedSeqNumKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("LastAppliedSeqNum", phase, iter)
}

func PhaseNoOfKeysMigratedKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("NoOfKeysMigrated", phase, iter)
}

func PhaseWorkerCountKey(phase model.MigrationPhase, iter int) string {
	return phaseKey("WorkerCount", phase, iter)
}

// PhaseIterationCountKey is deliberately NOT suffixed by iter, unlike
// every other per-phase field: it is the running "how many times has
// this phase been driven" counter that GetResult iterates
// 1..PhaseIterationCount over, so it must live at one address per
// phase rather than fragmenting across every (phase, iter) pair
// that's ever been planned. Each phase tracks its own iteration count
// independently — Catchup's count is never reused when reading back
// Copy's or Downtime's results.
func PhaseIterationCountKey(phase model.MigrationPhase) string {
	return fmt.Sprintf("Phase_IterationCount_%s", phase)
}

func WorkerCurrentStatusKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("CurrentStatus", phase, iter, workerID)
}

func WorkerStartDateTimeUTCKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("StartDateTimeUTC", phase, iter, workerID)
}

func WorkerEndDateTimeUTCKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("EndDateTimeUTC", phase, iter, workerID)
}

func WorkerStartSeqNumKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("StartSeqNum", phase, iter, workerID)
}

func WorkerEndSeqNumKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("EndSeqNum", phase, iter, workerID)
}

func WorkerLastAppliedSeqNumKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("LastAppliedSeqNum", phase, iter, workerID)
}

func WorkerNoOfKeysMigratedKey(phase model.MigrationPhase, iter, workerID int) string {
	return workerKey("NoOfKeysMigrated", phase, iter, workerID)
}
