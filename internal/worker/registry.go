package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"session-recap/internal/models"
)

// Handler executes one claimed job whose arguments are already decoded.
type Handler interface {
	Handle(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

func (f HandlerFunc) Handle(ctx context.Context) error { return f(ctx) }

// Factory decodes a job's stored arguments and builds its handler. Errors
// from a factory are treated as permanent.
type Factory func(args json.RawMessage) (Handler, error)

// Registry maps handler identifiers to factories. It is populated at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a handler identifier. Registering an empty
// name, a nil factory or the same name twice is a programming error.
func (r *Registry) Register(name string, f Factory) {
	if name == "" || f == nil {
		panic("worker: Register requires a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("worker: handler %q registered twice", name))
	}
	r.factories[name] = f
}

// Names lists registered handler identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve builds the handler for a stored payload.
func (r *Registry) Resolve(p models.Payload) (Handler, error) {
	if err := p.Err(); err != nil {
		return nil, Permanent(err)
	}
	r.mu.RLock()
	f, ok := r.factories[p.Handler]
	r.mu.RUnlock()
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownHandler, p.Handler))
	}
	h, err := f(p.Args)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build %s handler: %w", p.Handler, err))
	}
	return h, nil
}

type jobKey struct{}

// JobFromContext returns the job a handler is running for.
func JobFromContext(ctx context.Context) (*models.Job, bool) {
	job, ok := ctx.Value(jobKey{}).(*models.Job)
	return job, ok
}

func withJob(ctx context.Context, job *models.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

type validator interface {
	Validate() error
}

// Typed builds a factory that decodes the arguments into A, validates them
// when A has a Validate method, and calls fn with the result.
func Typed[A any](fn func(ctx context.Context, args A) error) Factory {
	return func(raw json.RawMessage) (Handler, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
		}
		if v, ok := any(args).(validator); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
		}
		return HandlerFunc(func(ctx context.Context) error {
			return fn(ctx, args)
		}), nil
	}
}
