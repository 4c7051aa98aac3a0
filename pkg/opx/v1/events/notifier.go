// Package events defines the notification sink the engine pushes state
// updates through, typically bridged to a WebSocket layer by the transport.
package events

import (
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
)

// Notifier observes execution state mutations. OnUpdate fires synchronously
// after every mutation so observers see a monotonically growing step-result
// sequence. Implementations must not retain or mutate the state; panics from
// observers are swallowed by the engine and never affect execution.
type Notifier interface {
	OnUpdate(state *v1.ExecutionState)
}
