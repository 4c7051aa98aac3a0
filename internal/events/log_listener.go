package events

import (
	"context"
	"log/slog"

	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// LogListener subscribes to a ChannelNotifier and logs execution state
// transitions, optionally updating a Prometheus counter of observed updates
// partitioned by status. It is the in-process consumer used when no external
// transport (websocket, queue) is wired up.
type LogListener struct {
	notifier       *ChannelNotifier
	log            opxlog.Logger
	updatesCounter *prometheus.CounterVec
}

// NewLogListener creates a new listener. The updates counter may be nil when
// metrics are not wanted.
func NewLogListener(notifier *ChannelNotifier, updatesCounter *prometheus.CounterVec, log opxlog.Logger) *LogListener {
	if notifier == nil || log == nil {
		// A nil logger would cause a panic, so we check dependencies up front.
		panic("LogListener requires a non-nil ChannelNotifier and Logger")
	}
	return &LogListener{
		notifier:       notifier,
		log:            log.With("component", "LogListener"),
		updatesCounter: updatesCounter,
	}
}

// Start begins consuming updates in the calling goroutine until the notifier
// channel is closed or the context is cancelled. Callers typically run it via
// `go listener.Start(ctx)`.
func (l *LogListener) Start(ctx context.Context) {
	l.log.Debugf("Starting state update listener...")
	for {
		select {
		case state, ok := <-l.notifier.GetChannel():
			if !ok {
				l.log.Debugf("Notifier channel closed, stopping listener.")
				return
			}
			if l.updatesCounter != nil {
				l.updatesCounter.WithLabelValues(string(state.Status)).Inc()
			}
			l.log.Log(slog.LevelInfo, "execution state update",
				"execution_id", state.ExecutionID,
				"playbook", state.PlaybookName,
				"status", string(state.Status),
				"step_index", state.CurrentStepIndex,
			)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping state update listener.")
			return
		}
	}
}
