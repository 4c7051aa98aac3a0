package events

import (
	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	// Import the public notifier interface definition.
	"github.com/opx-labs/opx/pkg/opx/v1/events"
	// Import the public logger interface definition.
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
)

// ChannelNotifier implements the public events.Notifier interface using a
// buffered Go channel. It provides a simple, in-process, decoupled state
// distribution mechanism suitable for scenarios where consumers (UIs, pollers,
// exporters) run within the same process as the engine. Its primary
// characteristic is non-blocking delivery of state snapshots.
type ChannelNotifier struct {
	// channel is the buffered Go channel that holds state snapshots pending delivery.
	channel chan *v1.ExecutionState
	// log is used for internal operational messages, such as warning about
	// dropped updates when the channel buffer is full.
	log opxlog.Logger
}

// NewChannelNotifier creates a new ChannelNotifier with the specified buffer size.
// If bufferSize is non-positive, a default buffer size is used.
// Panics if the provided logger is nil.
func NewChannelNotifier(bufferSize int, log opxlog.Logger) *ChannelNotifier {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		// Cannot operate without a logger. Fail fast during setup.
		panic("ChannelNotifier requires a non-nil logger")
	}

	n := &ChannelNotifier{
		channel: make(chan *v1.ExecutionState, bufferSize),
		log:     log.With("component", "ChannelNotifier"),
	}
	n.log.Debugf("ChannelNotifier initialized with buffer size %d", bufferSize)
	return n
}

// OnUpdate sends a state snapshot onto the internal buffered channel.
// To prevent blocking the caller (the engine core), this operation is
// non-blocking. If the channel buffer is full at the time of the call, the
// update is dropped and a warning is logged. The engine always passes an
// isolated snapshot, so consumers may retain the value without copying.
func (c *ChannelNotifier) OnUpdate(state *v1.ExecutionState) {
	select {
	case c.channel <- state:
		c.log.Debugf("Notified state update for execution '%s' (status: %s)", state.ExecutionID, state.Status)
	default:
		// The channel buffer is full; the send would block.
		c.log.Warnf("Notifier channel buffer full, dropping update for execution '%s'", state.ExecutionID)
	}
}

// GetChannel returns the underlying channel for consumers.
// This method is specific to the ChannelNotifier implementation and is NOT
// part of the public events.Notifier interface. The returned channel is
// read-only.
func (c *ChannelNotifier) GetChannel() <-chan *v1.ExecutionState {
	return c.channel
}

// Close closes the underlying channel, signalling to consumers reading from
// GetChannel() that no more updates will be sent.
func (c *ChannelNotifier) Close() {
	c.log.Debugf("Closing ChannelNotifier channel.")
	close(c.channel)
}

// Ensure ChannelNotifier implements the public events.Notifier interface at compile time.
var _ events.Notifier = (*ChannelNotifier)(nil)
