package tooling

import (
	"context"

	"github.com/ccbridge/control-plane/internal/bridge"
	"github.com/ccbridge/control-plane/internal/bridgeerr"
	"github.com/ccbridge/control-plane/internal/dispatch"
	"github.com/ccbridge/control-plane/internal/event"
)

// ResourceHandler serves one read-only resource's current JSON body. Unlike
// a Handler it takes no input — resources are fetched by name only, per
// the tool-protocol's read-only resource surface (distinct from the
// invokable operations registered on Registry).
type ResourceHandler func(ctx context.Context) (any, error)

// Resources lists the four read-only resource names the tool-protocol
// exposes alongside the invokable operations: event-types, bridge-status,
// responses, event-templates. Each backs directly onto state already
// owned by dispatch.Pipeline, bridge.Supervisor, or the event package —
// no new storage, just a read-only view.
func (r *Registry) Resources() map[string]ResourceHandler {
	return r.resources
}

// ReadResource fetches the current JSON-able value for name, or reports
// that no such resource exists.
func (r *Registry) ReadResource(ctx context.Context, name string) (any, *Error) {
	h, ok := r.resources[name]
	if !ok {
		return nil, &Error{Code: "UNKNOWN_RESOURCE", Message: "no such resource: " + name}
	}
	val, err := h(ctx)
	if err != nil {
		return nil, &Error{Code: bridgeerr.CodeProcessingError, Message: err.Error()}
	}
	return val, nil
}

// registerResources wires the four named resources against the same
// collaborators NewRegistry already built operation handlers from.
func (r *Registry) registerResources(pipeline *dispatch.Pipeline, supervisor *bridge.Supervisor) {
	r.resources = map[string]ResourceHandler{
		"event-types": func(ctx context.Context) (any, error) {
			return event.Types(), nil
		},
		"bridge-status": func(ctx context.Context) (any, error) {
			return supervisor.Status(), nil
		},
		"responses": func(ctx context.Context) (any, error) {
			return pipeline.GetResponses(0), nil
		},
		"event-templates": func(ctx context.Context) (any, error) {
			return event.Templates(), nil
		},
	}
}
