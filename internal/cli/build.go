package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/animate"
	"github.com/hupe1980/scadrec/internal/config"
	"github.com/hupe1980/scadrec/internal/logging"
)

type buildOptions struct {
	images   string
	out      string
	optimize bool
}

func newBuildCommand() *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:     "build",
		Aliases: []string{"gen-gif"},
		Short:   "Assemble rendered images into an animated GIF",
		Long: `Build reads every regular file directly under the images directory in
filename order and encodes them into a looping animated GIF. Each frame is
shown for --frame-delay, except the last, which is held for --final-delay.

All frames must have the same dimensions.

Exit codes:
  0  Animation written
  1  Error
  2  Invalid arguments or unsupported output format
  4  The images directory holds no frames`,
		Example: `  scadrec build --images frames/ --out part.gif
  scadrec build --images frames/ --out part.gif --frame-delay 50ms --final-delay 3s --optimize`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd.Context(), cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.images, "images", "", "directory of frames (required)")
	_ = cmd.MarkFlagDirname("images")
	f.StringVarP(&opts.out, "out", "o", "", "output animation path, must end in .gif (required)")
	f.BoolVar(&opts.optimize, "optimize", false, "store only the changed region of each frame")
	registerAnimationFlags(cmd)

	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, opts *buildOptions) error {
	if err := requireFlag("images", opts.images); err != nil {
		return err
	}

	if err := requireFlag("out", opts.out); err != nil {
		return err
	}

	if !animate.Supported(opts.out) {
		return configError(fmt.Errorf("%w: %s (supported: .gif)", animate.ErrUnsupportedFormat, opts.out))
	}

	if err := requireDir("images", opts.images); err != nil {
		return err
	}

	cfg := config.FromContext(ctx)

	builder := animate.New(
		animate.WithDelays(cfg.FrameDelay, cfg.FinalDelay),
		animate.WithOptimize(opts.optimize),
		animate.WithLogger(logging.FromContext(ctx)),
	)

	res, err := builder.Build(opts.images, opts.out)
	if err != nil {
		switch {
		case errors.Is(err, animate.ErrEmptyInput):
			return &ExitError{Code: exitEmptyInput, Err: err}
		case errors.Is(err, animate.ErrUnsupportedFormat):
			return configError(err)
		default:
			return runtimeError(err)
		}
	}

	if cfg.Quiet {
		return nil
	}

	size := "?"
	if info, statErr := os.Stat(res.Path); statErr == nil {
		size = humanize.Bytes(uint64(info.Size())) //nolint:gosec // file sizes are non-negative
	}

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d frames, %dx%d, %s)\n",
		res.Path, res.Frames, res.Width, res.Height, size)

	return nil
}
