package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/permitgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated AppConfig,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("permitgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
PermitGrid - an orchestrator for permit correction response pipelines.

Usage:
  permitgrid [options] [PIPELINE_PATH]

Arguments:
  PIPELINE_PATH
    Path to the .hcl pipeline definition file.

Options:
`)
		flagSet.PrintDefaults()
	}

	pipelineFlag := flagSet.String("pipeline", "", "Path to the pipeline definition file.")
	pFlag := flagSet.String("p", "", "Path to the pipeline definition file (shorthand).")
	intakeFlag := flagSet.String("intake", "", "Path to the YAML intake document.")
	resumeFlag := flagSet.String("resume", "", "Journal file of an interrupted session to resume.")
	answersFlag := flagSet.String("answers", "", "YAML file of pre-supplied clarification answers, keyed by question.")
	journalDirFlag := flagSet.String("journal-dir", "", "Directory for session journals. Overrides the pipeline setting.")
	listenFlag := flagSet.String("listen", "", "Address for the HTTP surface. Overrides the pipeline setting.")
	workersFlag := flagSet.Int("workers", 0, "Number of concurrent step workers. 0 uses the pipeline setting.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *pipelineFlag != "" {
		path = *pipelineFlag
	} else if *pFlag != "" {
		path = *pFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Pipeline path determined.", "path", path)

	if path == "" {
		slog.Debug("No pipeline path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	if *intakeFlag == "" {
		return nil, false, &ExitError{Code: 2, Message: "the -intake flag is required"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		PipelinePath: path,
		IntakePath:   *intakeFlag,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		ListenAddr:   *listenFlag,
		Workers:      *workersFlag,
		JournalDir:   *journalDirFlag,
		ResumeFrom:   *resumeFlag,
		AnswersPath:  *answersFlag,
	})

	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
