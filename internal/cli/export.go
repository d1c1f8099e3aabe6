package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/config"
	"github.com/hupe1980/scadrec/internal/export"
	"github.com/hupe1980/scadrec/internal/logging"
	"github.com/hupe1980/scadrec/internal/render"
)

type exportOptions struct {
	archive string
	images  string
}

func newExportCommand() *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:     "export",
		Aliases: []string{"gen-imgs"},
		Short:   "Render every archived snapshot into an image",
		Long: `Export replays each snapshot of the archive through the renderer and
writes one image per snapshot into the images directory, named after the
snapshot's timestamp (0001700000000123.png).

The renderer is invoked as:

  <renderer-bin> <snapshot> -o <image> <renderer-args...>

A snapshot that fails to render is reported and skipped; the remaining
snapshots are still rendered and the command exits with code 3.

Exit codes:
  0  All snapshots rendered
  1  Error
  2  Invalid arguments or renderer not available
  3  One or more snapshots failed to render`,
		Example: `  scadrec export --archive part.zip --images frames/
  scadrec export --archive part.zip --images frames/ --renderer-args "--imgsize=800,600"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd.Context(), cmd, opts)
		},
	}

	registerArchiveFlag(cmd, &opts.archive)
	cmd.Flags().StringVar(&opts.images, "images", "", "existing directory to write images into (required)")
	_ = cmd.MarkFlagDirname("images")
	registerRenderFlags(cmd)

	return cmd
}

func runExport(ctx context.Context, cmd *cobra.Command, opts *exportOptions) error {
	if err := requireFlag("archive", opts.archive); err != nil {
		return err
	}

	if err := requireFlag("images", opts.images); err != nil {
		return err
	}

	if err := requireDir("images", opts.images); err != nil {
		return err
	}

	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)

	renderer, err := render.New(cfg.RendererBin, cfg.RendererArgs,
		render.WithTimeout(cfg.RenderTimeout),
		render.WithMinVersion(cfg.RendererMinVersion),
		render.WithLogger(logger),
	)
	if err != nil {
		return configError(err)
	}

	if err := renderer.Check(ctx); err != nil {
		return configError(err)
	}

	store := archive.NewStore(opts.archive, archive.WithLogger(logger))
	exporter := export.New(renderer,
		export.WithScratchDir(cfg.ScratchDir),
		export.WithLogger(logger),
	)

	report, err := exporter.Run(ctx, store, opts.images)

	if report != nil && !cfg.Quiet {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "rendered %d of %d snapshots into %s\n",
			len(report.Rendered), report.Total, opts.images)
	}

	if err != nil {
		var entryErr *export.EntryError
		if errors.As(err, &entryErr) {
			return &ExitError{Code: exitRenderFails, Err: err}
		}

		return runtimeError(err)
	}

	return nil
}
