// Package handler defines the interface between the execution core and the
// concrete step handlers (gateway, browser, designer, utility, ai). The core
// consumes these interfaces; it never implements a real handler itself.
package handler

import "context"

// Handler executes the operations of one step-type namespace. A step type is
// a dotted tag such as "gateway.browse_tags" or "utility.set_variable"; the
// prefix ("gateway", "utility") selects the Handler and op carries the
// remainder ("browse_tags", "set_variable").
type Handler interface {
	// Execute performs one operation with fully resolved parameters and
	// returns a handler-defined output map. A returned error fails the
	// attempt; the step executor owns retry and timeout policy.
	Execute(ctx context.Context, op string, params map[string]interface{}) (map[string]interface{}, error)
}

// Registry maps step-type namespace prefixes to their Handler. An unknown
// prefix is a fatal step error, surfaced by the executor as a
// HandlerNotFoundError.
type Registry interface {
	// Get retrieves the handler for a namespace prefix. It returns a
	// HandlerNotFoundError if the prefix is not registered.
	Get(namespace string) (Handler, error)

	// Register associates a namespace prefix with a handler. It must be
	// concurrency-safe and reject empty names, nil handlers, and duplicates.
	Register(namespace string, h Handler) error

	// List returns the registered namespace prefixes in no particular order.
	List() []string
}

// Func adapts a plain function to the Handler interface.
type Func func(ctx context.Context, op string, params map[string]interface{}) (map[string]interface{}, error)

func (f Func) Execute(ctx context.Context, op string, params map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, op, params)
}
