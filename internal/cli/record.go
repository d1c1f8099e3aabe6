package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/config"
	"github.com/hupe1980/scadrec/internal/logging"
	"github.com/hupe1980/scadrec/internal/poll"
)

type recordOptions struct {
	in       string
	archive  string
	notify   bool
	debounce time.Duration
}

func newRecordCommand() *cobra.Command {
	opts := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Poll a model file and archive a snapshot whenever it changes",
		Long: `Record polls the watched file at a fixed interval and appends a
snapshot to the archive whenever its modification time changes. Each snapshot
is named after the modification time in milliseconds, so polling an unchanged
file never adds anything.

With --notify, filesystem change notifications trigger an additional capture
shortly after each save, on top of the regular polling.

Recording runs until interrupted with ctrl-c.`,
		Example: `  scadrec record --in part.scad --archive part.zip
  scadrec record --in part.scad --archive part.zip --interval 2s --notify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecord(cmd.Context(), cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.in, "in", "i", "", "model file to watch (required)")
	registerArchiveFlag(cmd, &opts.archive)
	f.Duration("interval", config.DefaultInterval, "poll interval")
	f.BoolVar(&opts.notify, "notify", false, "also capture on filesystem change notifications")
	f.DurationVar(&opts.debounce, "debounce", poll.DefaultOptions().Debounce, "quiet period before a notification triggers a capture")

	return cmd
}

func runRecord(ctx context.Context, cmd *cobra.Command, opts *recordOptions) error {
	if err := requireFlag("in", opts.in); err != nil {
		return err
	}

	if err := requireFlag("archive", opts.archive); err != nil {
		return err
	}

	info, err := os.Stat(opts.in)
	if err != nil {
		return configError(fmt.Errorf("--in: %w", err))
	}

	if !info.Mode().IsRegular() {
		return configError(fmt.Errorf("--in: %s is not a regular file", opts.in))
	}

	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)

	store := archive.NewStore(opts.archive, archive.WithLogger(logger))

	capture := func(context.Context) (*poll.Result, error) {
		entry, added, err := store.Capture(opts.in)
		if err != nil {
			return nil, err
		}

		return &poll.Result{Name: entry.Name, Added: added, Size: entry.Size}, nil
	}

	pollOpts := poll.Options{
		Path:     opts.in,
		Interval: cfg.Interval,
		Notify:   opts.notify,
		Debounce: opts.debounce,
		Logger:   logger,
		Out:      cmd.ErrOrStderr(),
	}

	if cfg.Quiet {
		pollOpts.Out = nil
	}

	if err := poll.Run(ctx, pollOpts, capture); err != nil {
		return runtimeError(err)
	}

	return nil
}
