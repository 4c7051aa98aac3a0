package module

import (
	"fmt"
	"sync"

	// Import public interfaces the internal registry deals with.
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	"github.com/opx-labs/opx/pkg/opx/v1/handler" // Import the public handler package
)

// StaticRegistry implements the handler.Registry interface using a map keyed
// by handler namespace (the step-type prefix, e.g. "utility" or "browser").
// It provides thread-safe registration and retrieval of handlers and is the
// default registry implementation used by OPX if no other registry is provided.
type StaticRegistry struct {
	// handlers maps a registered namespace to its handler.
	handlers map[string]handler.Handler
	// mu provides read/write locking to ensure thread-safe access to the handlers map.
	mu sync.RWMutex
}

// NewStaticRegistry creates a new, empty static registry.
// Handlers must be registered using the Register method before they can be retrieved.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		handlers: make(map[string]handler.Handler),
	}
}

// Register associates a namespace with its handler. This is typically called
// from the init() function of a handler package or explicitly by the
// application wiring the registry. It enforces that namespaces and handlers
// are valid and prevents duplicate registrations.
func (r *StaticRegistry) Register(namespace string, h handler.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if namespace == "" {
		return opxerrors.NewConfigError("handler registration error: namespace cannot be empty", nil)
	}
	if h == nil {
		return opxerrors.NewConfigError(fmt.Sprintf("handler registration error for '%s': handler cannot be nil", namespace), nil)
	}
	if _, exists := r.handlers[namespace]; exists {
		return opxerrors.NewConfigError(fmt.Sprintf("handler registration error: duplicate namespace '%s'", namespace), nil)
	}

	r.handlers[namespace] = h
	return nil
}

// Get retrieves the handler for a given namespace.
// If the namespace is not registered, it returns a HandlerNotFoundError.
func (r *StaticRegistry) Get(namespace string) (handler.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[namespace]
	if !exists {
		return nil, opxerrors.NewHandlerNotFoundError(namespace)
	}
	return h, nil
}

// List returns a slice containing all registered namespaces.
// The order of names in the returned slice is not guaranteed.
func (r *StaticRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// --- Default Global Registry (for compile-time registration via init) ---

var (
	// globalRegistry holds the default registry instance used for package-level
	// registration via the global Register function.
	globalRegistry = NewStaticRegistry()
	// Compile-time check to ensure StaticRegistry correctly implements the public
	// handler.Registry interface. This fails the build if the implementation drifts.
	_ handler.Registry = (*StaticRegistry)(nil)
)

// Register globally associates a namespace with its handler in the default
// global registry instance. This is the intended mechanism for built-in
// handlers to self-register during program initialization via their init()
// functions. It panics on registration errors (e.g., duplicate namespace)
// because init() functions run early, and such errors indicate a programming
// mistake that must be fixed.
func Register(namespace string, h handler.Handler) {
	if err := globalRegistry.Register(namespace, h); err != nil {
		panic(fmt.Errorf("failed to register handler '%s' globally: %w", namespace, err))
	}
}

// DefaultStaticRegistryGetter provides convenient access to the global static
// registry instance. This allows the main application (`cmd/opx`) or library
// consumers to easily retrieve the default registry containing compile-time
// registered handlers.
var DefaultStaticRegistryGetter handler.Registry = globalRegistry
