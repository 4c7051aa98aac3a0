package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/opx-labs/opx/pkg/opx/v1"
	opxerrors "github.com/opx-labs/opx/pkg/opx/v1/errors"
	opxlog "github.com/opx-labs/opx/pkg/opx/v1/log"

	"github.com/opx-labs/opx/internal/config"
	"github.com/opx-labs/opx/internal/engine"
	"github.com/opx-labs/opx/internal/events"
	"github.com/opx-labs/opx/internal/logger"
	"github.com/opx-labs/opx/internal/metrics"
	"github.com/opx-labs/opx/internal/module"
	"github.com/opx-labs/opx/internal/persist"
	"github.com/opx-labs/opx/internal/tracing"
	"github.com/opx-labs/opx/internal/vault"

	_ "github.com/opx-labs/opx/modules/utility"
)

const (
	ExitSuccess        = 0
	ExitFailure        = 1
	ExitUsageError     = 2
	ExitSigIntBase     = 128
	ExitSigInt         = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm        = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel    = "info"
	DefaultLogFmt      = "text"
	DefaultNotifierCap = 256
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// paramFlags collects repeatable -param key=value flags.
type paramFlags map[string]interface{}

func (p paramFlags) String() string { return fmt.Sprintf("%v", map[string]interface{}(p)) }

func (p paramFlags) Set(value string) error {
	key, val, found := strings.Cut(value, "=")
	if !found || key == "" {
		return fmt.Errorf("parameter must be in key=value form, got '%s'", value)
	}
	p[key] = val
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		runValidateCommand(os.Args[2:])
		return
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion()
		os.Exit(ExitSuccess)
	}
	exitCode := runExecuteCommand(os.Args[1:])
	os.Exit(exitCode)
}

func printVersion() {
	fmt.Printf("opx version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runValidateCommand(args []string) {
	validateFlags := flag.NewFlagSet("validate", flag.ExitOnError)
	playbookPath := validateFlags.String("playbook", "", "Path to the playbook YAML file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -playbook <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure and schema compatibility of an OPX playbook.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}

	if err := validateFlags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing validate flags: %v\n", err)
		os.Exit(ExitUsageError)
	}

	if *playbookPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -playbook flag is required for validation")
		validateFlags.Usage()
		os.Exit(ExitUsageError)
	}

	log := logger.NewLogger(*logLevel, "text", os.Stderr)
	log.Infof("Validating playbook: %s", *playbookPath)

	playbookBytes, err := os.ReadFile(*playbookPath)
	if err != nil {
		log.Errorf("Failed to read playbook file '%s': %v", *playbookPath, err)
		os.Exit(ExitFailure)
	}

	_, err = config.LoadPlaybook(playbookBytes, *playbookPath)
	if err != nil {
		var validationErr *opxerrors.ValidationError
		var configErr *opxerrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Playbook validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Playbook configuration error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate playbook: %v", err)
		}
		os.Exit(ExitFailure)
	}

	log.Infof("Playbook validation successful: %s", *playbookPath)
	os.Exit(ExitSuccess)
}

func runExecuteCommand(args []string) int {
	execFlags := flag.NewFlagSet("opx", flag.ExitOnError)
	playbookPath := execFlags.String("playbook", "", "Path to the playbook YAML file (required)")
	logLevel := execFlags.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := execFlags.String("log-format", DefaultLogFmt, "Log format (text, json)")
	paramsFile := execFlags.String("params-file", "", "Path to a YAML file of execution parameters")
	executionID := execFlags.String("execution-id", "", "Execution id to assign (generated when empty)")
	debugMode := execFlags.Bool("debug", false, "Enable debug-on-failure mode (pause and capture on first failure)")
	versionFlag := execFlags.Bool("version", false, "Print version information and exit")

	params := make(paramFlags)
	execFlags.Var(params, "param", "Execution parameter as key=value (repeatable)")

	execFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...] -playbook <path>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Executes an OPX playbook.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		execFlags.PrintDefaults()
	}

	if err := execFlags.Parse(args); err != nil {
		return ExitUsageError
	}

	if *versionFlag {
		printVersion()
		return ExitSuccess
	}

	if *playbookPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -playbook flag is required")
		execFlags.Usage()
		return ExitUsageError
	}
	if *logFormat != "text" && *logFormat != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}

	var logWriter io.Writer = os.Stderr
	log := logger.NewLogger(*logLevel, *logFormat, logWriter)
	log = log.With("opx_version", version)

	log.Infof("OPX playbook engine v%s starting...", version)
	log.Debugf("Log level: %s", *logLevel)
	log.Debugf("Log format: %s", *logFormat)

	parameters, err := loadParameters(*paramsFile, params)
	if err != nil {
		log.Errorf("Failed to load execution parameters: %v", err)
		return ExitUsageError
	}

	notifier := events.NewChannelNotifier(DefaultNotifierCap, log)
	defer notifier.Close()
	vaultStore := vault.NewEnvStore()
	recorder := persist.NewMemoryRecorder()
	registry := module.DefaultStaticRegistryGetter
	metricsProvider := metrics.NewPrometheusRegistryProvider()
	tracerProvider, err := tracing.NewProviderFromEnv(context.Background())
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider, _ = tracing.NewNoOpProvider()
	}

	eng, err := engine.NewEngine(log,
		engine.WithHandlerRegistry(registry),
		engine.WithVaultStore(vaultStore),
		engine.WithRecorder(recorder),
		engine.WithNotifier(notifier),
		engine.WithMetricsRegistryProvider(metricsProvider),
		engine.WithTracerProvider(tracerProvider),
	)
	if err != nil {
		log.Errorf("Failed to create OPX engine: %v", err)
		return ExitFailure
	}

	if *debugMode {
		eng.EnableDebugMode()
		log.Infof("Debug mode enabled.")
	}

	log.Infof("Loading playbook: %s", *playbookPath)
	playbook, err := config.LoadPlaybookFromFile(*playbookPath)
	if err != nil {
		log.Errorf("Failed to load playbook '%s': %v", *playbookPath, err)
		return ExitFailure
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	listener := events.NewLogListener(notifier, nil, log)
	go listener.Start(runCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var receivedSignal os.Signal
	var sigMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Requesting cooperative cancellation...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			eng.Cancel()
			cancelRun()
		case <-runCtx.Done():
			log.Debugf("Signal handler exiting because run context is done.")
		}
	}()

	log.Infof("Starting playbook execution...")
	basePath := filepath.Dir(playbook.FilePath)
	state := eng.ExecutePlaybook(runCtx, playbook, parameters, basePath, *executionID)

	cancelRun()
	wg.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if shutdownErr := tracerProvider.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnf("Error shutting down tracer provider: %v", shutdownErr)
	}

	printStateSummary(log, state)

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExitCode(state, finalSignal, log)
}

// loadParameters merges a parameters YAML file with -param flags; flags win.
func loadParameters(paramsFile string, flagParams paramFlags) (map[string]interface{}, error) {
	parameters := make(map[string]interface{})
	if paramsFile != "" {
		raw, err := os.ReadFile(paramsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file '%s': %w", paramsFile, err)
		}
		if err := yaml.Unmarshal(raw, &parameters); err != nil {
			return nil, fmt.Errorf("failed to parse params file '%s': %w", paramsFile, err)
		}
	}
	for k, v := range flagParams {
		parameters[k] = v
	}
	return parameters, nil
}

func printStateSummary(log opxlog.Logger, state *v1.ExecutionState) {
	completed, failed, skipped := 0, 0, 0
	for _, res := range state.StepResults {
		if res.Superseded {
			continue
		}
		switch res.Status {
		case v1.StepCompleted:
			completed++
		case v1.StepFailed:
			failed++
		case v1.StepSkipped:
			skipped++
		}
	}

	duration := time.Duration(0)
	if state.CompletedAt != nil {
		duration = state.CompletedAt.Sub(state.StartedAt).Truncate(time.Millisecond)
	}

	statusLine := fmt.Sprintf("Playbook '%s' finished. Status: %s", state.PlaybookName, state.Status)
	summaryLine := fmt.Sprintf("Duration: %v. Steps: Total=%d, Completed=%d, Failed=%d, Skipped=%d",
		duration, len(state.StepResults), completed, failed, skipped)

	if state.Status == v1.ExecutionCompleted {
		log.Infof("%s. %s", statusLine, summaryLine)
		return
	}
	log.Errorf("%s. %s", statusLine, summaryLine)
	if state.Error != "" {
		log.Errorf("Overall Error: %s", state.Error)
	}
	for _, res := range state.StepResults {
		if res.Status == v1.StepFailed && !res.Superseded {
			log.Errorf("  - Step '%s': %s", res.StepID, res.Error)
		}
	}
}

func determineExitCode(state *v1.ExecutionState, sig os.Signal, log opxlog.Logger) int {
	switch state.Status {
	case v1.ExecutionCompleted:
		log.Infof("Playbook completed successfully.")
		return ExitSuccess
	case v1.ExecutionCancelled:
		if sig != nil {
			switch sig {
			case syscall.SIGINT:
				log.Warnf("Playbook execution interrupted by signal: SIGINT")
				return ExitSigInt
			case syscall.SIGTERM:
				log.Warnf("Playbook execution terminated by signal: SIGTERM")
				return ExitSigTerm
			}
		}
		log.Warnf("Playbook execution cancelled.")
		return ExitFailure
	default:
		return ExitFailure
	}
}
