// Package backend defines the Model Backend capability consumed by agent
// tasks and the Arbitrator. Tiers form a small closed set; adding a concrete
// backend is a registration against a tier, never a new code path through
// its callers.
package backend

import (
	"context"
	"errors"

	"github.com/jmorrell/loom/pkg/models"
)

// ErrUnavailable indicates the backend cannot serve calls right now.
// The Budget Governor treats repeats as a signal to degrade the tier.
var ErrUnavailable = errors.New("backend unavailable")

// ErrTimeout indicates the backend did not answer within its deadline.
var ErrTimeout = errors.New("backend timeout")

// ErrNoBackend indicates no backend is registered for the requested tier.
var ErrNoBackend = errors.New("no backend registered for tier")

// Request is one model invocation.
type Request struct {
	// Prompt is the full prompt to send.
	Prompt string
	// MaxUnits bounds the output units the backend may produce.
	MaxUnits int64
}

// Response is the result of one model invocation.
type Response struct {
	// Payload is the model output.
	Payload string
	// InputUnits is the number of input units consumed.
	InputUnits int64
	// OutputUnits is the number of output units produced.
	OutputUnits int64
	// Confidence is an opaque self-reported score in [0,1]. Zero when the
	// backend does not report one.
	Confidence float64
}

// Invoker is one concrete model backend.
type Invoker interface {
	// Invoke sends a prompt and returns the model output with unit counts.
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Registry maps tiers to registered backends.
type Registry struct {
	backends map[models.Tier]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[models.Tier]Invoker)}
}

// Register binds a backend to a tier, replacing any previous binding.
func (r *Registry) Register(tier models.Tier, inv Invoker) {
	r.backends[tier] = inv
}

// Invoke dispatches a request to the backend registered for the tier.
func (r *Registry) Invoke(ctx context.Context, tier models.Tier, req Request) (Response, error) {
	inv, ok := r.backends[tier]
	if !ok {
		return Response{}, ErrNoBackend
	}
	return inv.Invoke(ctx, req)
}

// Has reports whether a backend is registered for the tier.
func (r *Registry) Has(tier models.Tier) bool {
	_, ok := r.backends[tier]
	return ok
}
