package events

import (
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	"github.com/opx-labs/opx/pkg/opx/v1/events" // Use public notifier interface
)

// NoOpNotifier is a default implementation of the public events.Notifier
// interface. It performs no actions when OnUpdate is called. It is used as a
// fallback when no state consumer is configured for the engine, ensuring that
// components publishing updates do not encounter nil pointer errors even if
// notification is effectively disabled.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new instance of the NoOpNotifier.
// It returns a value satisfying the public events.Notifier interface.
func NewNoOpNotifier() events.Notifier {
	return &NoOpNotifier{}
}

// OnUpdate implements the events.Notifier interface method.
func (n *NoOpNotifier) OnUpdate(state *v1.ExecutionState) {
	// Intentionally does nothing.
}

// Ensure NoOpNotifier implements the public events.Notifier interface at compile time.
var _ events.Notifier = (*NoOpNotifier)(nil)
