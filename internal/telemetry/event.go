// Package telemetry defines the event envelope that phase and worker
// code emits for operator-facing audit trails, distinct from the
// structured logs zap writes and the counters metrics.Metrics tracks.
// Event IDs use oklog/ulid/v2 so events sort lexicographically by
// time of emission, the way PairDB's request-id generation favors a
// sortable identifier over a random UUID for anything that gets
// scanned back out in order.
package telemetry

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/statefabric/actormigrate/internal/model"
)

// Kind enumerates the shapes of event this core emits.
type Kind string

const (
	KindPhaseStarted    Kind = "phase_started"
	KindPhaseCompleted  Kind = "phase_completed"
	KindPhaseFailed     Kind = "phase_failed"
	KindWorkerStarted   Kind = "worker_started"
	KindWorkerCompleted Kind = "worker_completed"
	KindWorkerFailed    Kind = "worker_failed"
	KindBatchApplied    Kind = "batch_applied"
	KindWritesRejected  Kind = "writes_rejected"
	KindWritesResumed   Kind = "writes_resumed"
)

// Event is one point-in-time occurrence worth recording for audit or
// debugging, independent of the metadata store's durable state.
type Event struct {
	ID       string              `json:"id"`
	Kind     Kind                `json:"kind"`
	Phase    model.MigrationPhase `json:"phase,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	WorkerID int                 `json:"workerId,omitempty"`
	At       time.Time           `json:"at"`
	Fields   map[string]any      `json:"fields,omitempty"`
}

// Sink receives Events as they are emitted. Implementations must not
// block the caller for long; a slow sink should buffer internally.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// entropy is a package-level ULID source. ulid.New requires an
// io.Reader of entropy; a time-seeded math/rand source is adequate here
// since event IDs only need to be sortable and collision-resistant
// within a single process, not cryptographically unpredictable.
var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

// New constructs an Event with a freshly minted ULID, stamped at t.
func New(t time.Time, kind Kind, phase model.MigrationPhase, iteration, workerID int, fields map[string]any) Event {
	return Event{
		ID:        ulid.MustNew(ulid.Timestamp(t), entropy).String(),
		Kind:      kind,
		Phase:     phase,
		Iteration: iteration,
		WorkerID:  workerID,
		At:        t,
		Fields:    fields,
	}
}

// NopSink discards every event; it is the default when no sink is
// configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// FuncSink adapts a plain function to Sink, so callers that want
// events mirrored into zap can wrap their own logger call without
// this package depending on zap's field encoding directly.
type FuncSink func(ctx context.Context, event Event)

func (f FuncSink) Emit(ctx context.Context, event Event) { f(ctx, event) }
