// Package cli implements the cobra command tree for scadrec.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/config"
	"github.com/hupe1980/scadrec/internal/logging"
)

// Process exit codes.
const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfig      = 2
	exitRenderFails = 3
	exitEmptyInput  = 4
)

// ExitError wraps an error with a specific process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}

	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func configError(err error) *ExitError {
	return &ExitError{Code: exitConfig, Err: err}
}

func runtimeError(err error) *ExitError {
	return &ExitError{Code: exitRuntime, Err: err}
}

// Execute builds the command tree, runs it, and returns the exit code.
func Execute() int {
	return run(os.Args[1:], os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return exitOK
	}

	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	return exitRuntime
}

// NewRootCommand constructs the top-level cobra.Command with all
// subcommands attached.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "scadrec",
		Short: "Record the editing history of a model file and replay it as an animation",
		Long: `scadrec records the editing history of a single model source file by
polling it for modifications and archiving timestamped snapshots into a zip
container.

The snapshots can later be replayed through an external renderer (OpenSCAD
by default) to produce one image per snapshot, and the images assembled into
an animated GIF:

  scadrec record --in part.scad --archive part.zip
  scadrec export --archive part.zip --images frames/
  scadrec build  --images frames/ --out part.gif`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd, cfgFile)
			if err != nil {
				return configError(err)
			}

			logger := logging.SetupWithWriter(cfg, cmd.ErrOrStderr())

			ctx := cmd.Context()
			ctx = config.NewContext(ctx, cfg)
			ctx = logging.NewContext(ctx, logger)
			cmd.SetContext(ctx)

			logger.Debug("configuration loaded",
				slog.String("logLevel", cfg.LogLevel),
				slog.String("logFormat", cfg.LogFormat),
				slog.String("configFile", cfg.ConfigFile),
			)

			return nil
		},
	}

	// Global persistent flags.
	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: .scadrec.yaml)")
	pf.String("log-level", config.LogLevelInfo, "log level: debug, info, warn, error")
	pf.String("log-format", config.LogFormatText, "log format: text, json")
	pf.Bool("no-color", false, "disable colored output")
	pf.BoolP("quiet", "q", false, "suppress non-essential output")

	// Flag parsing errors return exit code 2.
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return configError(err)
	})

	cmd.AddCommand(
		newRecordCommand(),
		newListCommand(),
		newExportCommand(),
		newBuildCommand(),
		newDiffCommand(),
		newCatCommand(),
		newVersionCommand(),
		newCompletionCommand(),
	)

	return cmd
}
