// Package forwarding implements the forwarding dispatcher: it sits in
// front of the destination's own actor-call handler and, while
// migration is active, forwards calls to the source's partition
// primary instead. This package defines only the decision hook and a
// narrow Handler seam — it is NOT a gRPC/HTTP client for actor calls;
// api-gateway's internal/handler.Handlers shows what a real
// transport-level forwarder would look like, but wiring one is out of
// scope here. The actual RPC transport is supplied externally by the
// communication listener.
package forwarding

import (
	"context"

	"go.uber.org/zap"
)

// ActorCall is the narrow, transport-agnostic shape of one incoming
// actor invocation that the dispatcher must route.
type ActorCall struct {
	ActorType string
	ActorID   string
	Method    string
	Payload   []byte
}

// ActorCallResult is the outcome of handling (or forwarding) one
// ActorCall.
type ActorCallResult struct {
	Payload []byte
}

// Handler is the destination's own local actor-call handler, invoked
// once the predicate says calls no longer need forwarding.
type Handler interface {
	Handle(ctx context.Context, call ActorCall) (ActorCallResult, error)
}

// ForwardFunc is the transport-level forward operation, supplied by
// the (out-of-scope) communication listener. The dispatcher never
// constructs one itself.
type ForwardFunc func(ctx context.Context, call ActorCall) (ActorCallResult, error)

// ForwardDecider is satisfied by *orchestrator.Orchestrator.
type ForwardDecider interface {
	IsActorCallToBeForwarded(ctx context.Context) (bool, error)
}

// Dispatcher wraps a local Handler with a per-call forwarding
// decision.
type Dispatcher struct {
	decider ForwardDecider
	local   Handler
	forward ForwardFunc
	logger  *zap.Logger
}

func New(decider ForwardDecider, local Handler, forward ForwardFunc, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{decider: decider, local: local, forward: forward, logger: logger}
}

// Handle queries the forwarding predicate on every request, because it
// may flip from true to false at the moment Downtime completes.
func (d *Dispatcher) Handle(ctx context.Context, call ActorCall) (ActorCallResult, error) {
	forward, err := d.decider.IsActorCallToBeForwarded(ctx)
	if err != nil {
		d.logger.Warn("forwarding predicate failed, defaulting to forward",
			zap.String("actor_type", call.ActorType),
			zap.String("actor_id", call.ActorID),
			zap.Error(err))
		forward = true
	}

	if forward {
		return d.forward(ctx, call)
	}
	return d.local.Handle(ctx, call)
}
