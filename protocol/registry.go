package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Handler consumes one decoded record of its registered kind. Handlers run
// sequentially: the dispatcher waits for each to return before moving to the
// next record in a batch, preserving in-batch ordering.
type Handler func(ctx context.Context, raw json.RawMessage) error

// UnknownPolicy decides what Dispatch does with an unregistered kind.
type UnknownPolicy int

const (
	// DropUnknown logs a warning and skips the record. Used on the server
	// leg: upstream servers are third-party and may send kinds this client
	// does not understand yet.
	DropUnknown UnknownPolicy = iota

	// RejectUnknown fails dispatch with ErrUnknownKind. Used on the
	// gateway<->agent leg, where both ends are built together and an
	// unknown kind is a bug.
	RejectUnknown
)

// Registry maps packet kinds to handlers for one link. It is constructed once
// at startup and never mutated afterwards; per-link registries keep the two
// legs' unknown-kind policies independent.
type Registry struct {
	policy   UnknownPolicy
	logger   *zap.Logger
	handlers map[string]Handler
}

// NewRegistry builds an empty registry with the given unknown-kind policy.
func NewRegistry(policy UnknownPolicy, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		policy:   policy,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for kind. Each kind takes exactly one handler;
// registering a second is a startup-time programming error reported as
// ErrDuplicateHandler.
func (r *Registry) Handle(kind string, h Handler) error {
	if kind == "" {
		return fmt.Errorf("packet kind is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is required", kind)
	}
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustHandle is Handle for static startup registration; it panics on error
// because a duplicate registration is a build defect, not a runtime
// condition.
func (r *Registry) MustHandle(kind string, h Handler) {
	if err := r.Handle(kind, h); err != nil {
		panic(err)
	}
}

// Dispatch routes one raw record to its handler. Unknown kinds follow the
// registry policy: dropped with a warning, or rejected with ErrUnknownKind.
func (r *Registry) Dispatch(ctx context.Context, raw json.RawMessage) error {
	kind, err := Kind(raw)
	if err != nil {
		return err
	}

	handler, ok := r.handlers[kind]
	if !ok {
		if r.policy == DropUnknown {
			r.logger.Warn("dropping packet of unknown kind", zap.String("cmd", kind))
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return handler(ctx, raw)
}

// DispatchBatch decodes one wire frame and dispatches every record in order.
// A failing record does not stop the rest of the batch; the first error is
// returned after the whole batch has been processed, so one bad record never
// starves the records behind it.
func (r *Registry) DispatchBatch(ctx context.Context, data []byte) error {
	records, err := Decode(data)
	if err != nil {
		return err
	}

	var firstErr error
	for _, raw := range records {
		if err := r.Dispatch(ctx, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
