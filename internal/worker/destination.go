package worker

import (
	"context"

	"github.com/statefabric/actormigrate/internal/sourceclient"
)

// Destination is the narrow state-provider interface the core
// requires of the replicated-collection store. Schema translation of
// individual records is a pluggable transform left to the
// implementation; this interface is where it plugs in. ApplyBatch must
// be transactional: either every record in the batch is durably
// applied or none are, so a retried batch never double-applies.
type Destination interface {
	ApplyBatch(ctx context.Context, records []sourceclient.KeyRecord) error
}
