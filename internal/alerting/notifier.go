package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"price-alert-engine/internal/models"
)

// ErrUnknownKind is returned when no adapter is registered for a channel kind.
var ErrUnknownKind = errors.New("alerting: no adapter for channel kind")

// Adapter 定义单一渠道的发送契约。
// Send returns nil on delivery, or an error classified with Transient / Permanent.
type Adapter interface {
	Kind() string
	Send(ctx context.Context, target models.ChannelTarget, msg Message) error
}

// Class separates retryable from terminal delivery failures.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// SendError carries the failure class of a channel send.
type SendError struct {
	Class Class
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Class: ClassTransient, Err: err}
}

// Permanent marks err as terminal: the attempt is exhausted without consuming retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &SendError{Class: ClassPermanent, Err: err}
}

// IsPermanent reports whether err was classified as permanent. Unclassified errors are transient.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Class == ClassPermanent
}

// Registry 按渠道类型查找 Adapter。
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Lookup returns the adapter for kind.
func (r *Registry) Lookup(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return a, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Close releases adapters that hold connections.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, a := range r.adapters {
		if c, ok := a.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
