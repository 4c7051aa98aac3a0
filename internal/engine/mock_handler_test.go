package engine_test

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/opx-labs/opx/internal/paramutil"
	"github.com/opx-labs/opx/pkg/opx/v1/handler"
)

// MockHandler is a configurable handler for engine tests. Behavior is driven
// by step parameters:
//
//	fail_message: always fail with this message
//	fail_times:   fail the first N calls for this step's call_key
//	_mock_delay:  sleep for the given duration string, honoring ctx
//	call_key:     counter key, defaults to the operation name
//
// Any other parameters are echoed back as the step output.
type MockHandler struct {
	mu        sync.Mutex
	callCount map[string]int

	// OnExecute, when set, runs at the start of every call. Tests use it to
	// fire control-surface requests from inside a running step.
	OnExecute func(op string, params map[string]interface{})
}

func NewMockHandler() *MockHandler {
	return &MockHandler{callCount: make(map[string]int)}
}

// Calls reports how many times the handler ran for the given call_key.
func (m *MockHandler) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[key]
}

func (m *MockHandler) Execute(ctx context.Context, op string, params map[string]interface{}) (map[string]interface{}, error) {
	key := op
	if k, exists, _ := paramutil.GetOptionalString(params, "call_key"); exists {
		key = k
	}
	m.mu.Lock()
	m.callCount[key]++
	count := m.callCount[key]
	m.mu.Unlock()

	if m.OnExecute != nil {
		m.OnExecute(op, params)
	}

	if delayStr, exists, _ := paramutil.GetOptionalString(params, "_mock_delay"); exists {
		delay, parseErr := time.ParseDuration(delayStr)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid _mock_delay format: %w", parseErr)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if failMsg, exists, _ := paramutil.GetOptionalString(params, "fail_message"); exists {
		return nil, goerrors.New(failMsg)
	}

	if failTimes, exists, _ := paramutil.GetOptionalNumber(params, "fail_times"); exists {
		if count <= int(failTimes) {
			return nil, fmt.Errorf("transient failure %d of %d", count, int(failTimes))
		}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	out["op"] = op
	return out, nil
}

var _ handler.Handler = (*MockHandler)(nil)
