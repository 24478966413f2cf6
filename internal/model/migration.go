// Package model defines the entities that make up the migration state
// machine's persistent and in-memory data: phases, plans, results, and
// the settings that drive planning.
package model

import "time"

// MigrationState is the global mode of a migration run.
type MigrationState string

const (
	MigrationStateNone       MigrationState = "None"
	MigrationStateInProgress MigrationState = "InProgress"
	MigrationStateCompleted  MigrationState = "Completed"
	MigrationStateAborted    MigrationState = "Aborted"
)

// MigrationPhase is the ordered phase enum. None precedes Copy, which
// precedes Catchup, which precedes Downtime.
type MigrationPhase int

const (
	PhaseNone MigrationPhase = iota
	PhaseCopy
	PhaseCatchup
	PhaseDowntime
)

// String returns the canonical name used when the phase is persisted
// to the metadata store.
func (p MigrationPhase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseCopy:
		return "Copy"
	case PhaseCatchup:
		return "Catchup"
	case PhaseDowntime:
		return "Downtime"
	default:
		return "Unknown"
	}
}

// ParsePhase parses a canonical phase name back into a MigrationPhase.
// A parse failure is a corruption error per the metadata adapter's
// contract: callers should treat it as fatal, not transient.
func ParsePhase(s string) (MigrationPhase, bool) {
	switch s {
	case "None":
		return PhaseNone, true
	case "Copy":
		return PhaseCopy, true
	case "Catchup":
		return PhaseCatchup, true
	case "Downtime":
		return PhaseDowntime, true
	default:
		return PhaseNone, false
	}
}

// Next returns the phase that follows p: Copy after None, Catchup
// after Copy, Catchup again after Catchup (since Catchup can repeat),
// and Downtime for every later phase. The orchestrator's actual phase
// transitions are decided by nextRunner, not by this method.
func (p MigrationPhase) Next() MigrationPhase {
	switch p {
	case PhaseNone:
		return PhaseCopy
	case PhaseCopy:
		return PhaseCatchup
	case PhaseCatchup:
		return PhaseCatchup
	default:
		return PhaseDowntime
	}
}

// WorkerStatus is the status of a single worker's assigned range.
type WorkerStatus string

const (
	WorkerStatusPending    WorkerStatus = "Pending"
	WorkerStatusInProgress WorkerStatus = "InProgress"
	WorkerStatusCompleted  WorkerStatus = "Completed"
	WorkerStatusFailed     WorkerStatus = "Failed"
)

// PhaseStatus is the status of one (phase, iteration) workload.
type PhaseStatus string

const (
	PhaseStatusInProgress PhaseStatus = "InProgress"
	PhaseStatusCompleted  PhaseStatus = "Completed"
	PhaseStatusFailed     PhaseStatus = "Failed"
)

// WorkerInput is the immutable plan for one worker within one
// (phase, iteration) workload.
type WorkerInput struct {
	WorkerID  int
	Phase     MigrationPhase
	Iteration int
	StartSN   int64
	EndSN     int64
	StartedAt time.Time
	Status    WorkerStatus
}

// WorkerResult is the observed outcome of a worker's run, read back
// from the metadata store.
type WorkerResult struct {
	WorkerID      int
	Status        WorkerStatus
	StartedAt     time.Time
	EndedAt       time.Time
	StartSN       int64
	EndSN         int64
	LastAppliedSN int64
	KeysMigrated  int64
}

// PhaseInput is the immutable plan for one (phase, iteration)
// workload, as produced by getOrAddInput.
type PhaseInput struct {
	Phase       MigrationPhase
	Iteration   int
	StartSN     int64
	EndSN       int64
	WorkerCount int
	StartedAt   time.Time
	Workers     []WorkerInput
}

// PhaseResult is the observed outcome of one (phase, iteration)
// workload.
type PhaseResult struct {
	Phase         MigrationPhase
	Iteration     int
	Status        PhaseStatus
	StartedAt     time.Time
	EndedAt       time.Time
	StartSN       int64
	EndSN         int64
	LastAppliedSN int64
	KeysMigrated  int64
	Workers       []WorkerResult
}

// MigrationResult is the aggregate report reconstructed purely by
// reading the metadata keyspace; it reflects the last durable state.
type MigrationResult struct {
	Status        MigrationState
	CurrentPhase  MigrationPhase
	StartSN       int64
	EndSN         int64
	EndSNKnown    bool
	KeysMigrated  int64
	StartedAt     time.Time
	EndedAt       time.Time
	PhaseResults  []PhaseResult
}

// RetryPolicy configures the Source Client's retry/backoff behavior.
type RetryPolicy struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	JitterFraction  float64
}

// MigrationSettings is the immutable configuration for one
// orchestrator instance, loaded once and passed by reference for the
// lifetime of the process.
type MigrationSettings struct {
	SourceServiceUri      string
	KVSActorServiceUri    string
	CopyPhaseWorkerCount  int
	CatchupPhaseWorkerCount int
	DowntimeThreshold     int64
	BatchSize             int
	CheckpointEvery       int
	RetryPolicy           RetryPolicy
	OperationTimeout      time.Duration
	DefaultLeaseTimeout   time.Duration
}
