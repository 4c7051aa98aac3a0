// Package utility provides the built-in utility.* step handler: small
// operations (variable assignment, delays, logging, command execution) that
// run inside the engine process rather than against an external system.
package utility

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opx-labs/opx/internal/command"
	"github.com/opx-labs/opx/internal/logger"
	"github.com/opx-labs/opx/internal/module"
	"github.com/opx-labs/opx/internal/paramutil"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	"github.com/opx-labs/opx/pkg/opx/v1/handler"
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"
)

// The init function runs automatically when the package is imported. It
// self-registers the utility handler with the global default registry under
// the "utility" namespace.
func init() {
	module.Register("utility", NewHandler(logger.NewDefaultLogger("info"), command.NewRunner()))
}

// sleepSlice bounds each slice of a delay so cancellation is observed quickly.
const sleepSlice = 500 * time.Millisecond

// Handler implements the utility.* operations.
type Handler struct {
	log    opxlog.Logger
	runner command.Runner
}

// NewHandler creates the utility handler.
func NewHandler(log opxlog.Logger, runner command.Runner) *Handler {
	return &Handler{log: log, runner: runner}
}

var _ handler.Handler = (*Handler)(nil)

// Execute dispatches one utility operation.
func (h *Handler) Execute(ctx context.Context, op string, params map[string]interface{}) (map[string]interface{}, error) {
	switch op {
	case "set_variable":
		return h.setVariable(params)
	case "delay":
		return h.delay(ctx, params)
	case "log":
		return h.logMessage(params)
	case "fail":
		return h.fail(params)
	case "run_command":
		return h.runCommand(ctx, params)
	default:
		return nil, opxerrors.NewValidationError(fmt.Sprintf("unknown utility operation '%s'", op), nil)
	}
}

// setVariable echoes its inputs; the engine folds the output into the
// execution's variables.
func (h *Handler) setVariable(params map[string]interface{}) (map[string]interface{}, error) {
	name, err := paramutil.GetRequiredString(params, "variable")
	if err != nil {
		return nil, err
	}
	value, exists := params["value"]
	if !exists {
		return nil, opxerrors.NewValidationError("missing required parameter 'value'", nil)
	}
	return map[string]interface{}{"variable": name, "value": value}, nil
}

// delay waits the requested number of seconds in bounded slices so a cancel
// arriving mid-delay is observed within half a second.
func (h *Handler) delay(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	seconds, found, err := paramutil.GetOptionalNumber(params, "seconds")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, opxerrors.NewValidationError("missing required parameter 'seconds'", nil)
	}
	if seconds < 0 {
		return nil, opxerrors.NewValidationError("parameter 'seconds' cannot be negative", nil)
	}

	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		slice := remaining
		if slice > sleepSlice {
			slice = sleepSlice
		}
		select {
		case <-ctx.Done():
			return nil, opxerrors.NewCancelledError("delay interrupted")
		case <-time.After(slice):
		}
	}
	return map[string]interface{}{"delayed_seconds": seconds}, nil
}

func (h *Handler) logMessage(params map[string]interface{}) (map[string]interface{}, error) {
	message, err := paramutil.GetRequiredString(params, "message")
	if err != nil {
		return nil, err
	}
	level, _, err := paramutil.GetOptionalString(params, "level")
	if err != nil {
		return nil, err
	}

	switch level {
	case "debug":
		h.log.Debugf("%s", message)
	case "warn":
		h.log.Warnf("%s", message)
	case "error":
		h.log.Log(slog.LevelError, message)
	default:
		h.log.Infof("%s", message)
	}
	return map[string]interface{}{"logged": message}, nil
}

// fail always returns an error. Useful for exercising failure policies in
// playbooks and tests.
func (h *Handler) fail(params map[string]interface{}) (map[string]interface{}, error) {
	message, found, err := paramutil.GetOptionalString(params, "message")
	if err != nil {
		return nil, err
	}
	if !found {
		message = "utility.fail invoked"
	}
	return nil, fmt.Errorf("%s", message)
}

// runCommand executes a local command through the command runner and returns
// its captured output and exit code.
func (h *Handler) runCommand(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	cmd, err := paramutil.GetRequiredString(params, "command")
	if err != nil {
		return nil, err
	}

	var args []string
	if rawArgs, exists := params["args"]; exists {
		list, ok := rawArgs.([]interface{})
		if !ok {
			return nil, opxerrors.NewValidationError(fmt.Sprintf("parameter 'args' must be a list, got %T", rawArgs), nil)
		}
		for i, item := range list {
			arg, ok := item.(string)
			if !ok {
				return nil, opxerrors.NewValidationError(fmt.Sprintf("parameter 'args' must contain only strings, found %T at index %d", item, i), nil)
			}
			args = append(args, arg)
		}
	}

	workingDir, _, err := paramutil.GetOptionalString(params, "working_dir")
	if err != nil {
		return nil, err
	}

	result, err := h.runner.Run(ctx, cmd, args, workingDir, nil)
	if err != nil {
		return nil, fmt.Errorf("command '%s' failed to run: %w", cmd, err)
	}

	return map[string]interface{}{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
	}, nil
}
