// Package scadrec provides a public Go API for recording the editing history
// of a model file and replaying it as an animation.
//
// This package exposes the scadrec pipeline as a library, allowing
// programmatic use without the CLI.
//
// Basic usage:
//
//	// Record until ctx is cancelled.
//	err := scadrec.Record(ctx, "part.scad", "part.zip")
//
//	// Render every snapshot, then assemble the animation.
//	report, err := scadrec.Export(ctx, "part.zip", "frames/")
//	result, err := scadrec.Animate("frames/", "part.gif")
//
// With options:
//
//	report, err := scadrec.Export(ctx, "part.zip", "frames/",
//	    scadrec.WithRenderer("/opt/openscad/bin/openscad", "--imgsize=800,600"),
//	    scadrec.WithRenderTimeout(time.Minute),
//	)
package scadrec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/scadrec/internal/animate"
	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/config"
	"github.com/hupe1980/scadrec/internal/export"
	"github.com/hupe1980/scadrec/internal/logging"
	"github.com/hupe1980/scadrec/internal/poll"
	"github.com/hupe1980/scadrec/internal/render"
)

// Re-exported errors for use with errors.Is.
var (
	ErrEmptyInput        = animate.ErrEmptyInput
	ErrUnsupportedFormat = animate.ErrUnsupportedFormat
	ErrInvalidDelays     = animate.ErrInvalidDelays
	ErrRendererNotFound  = render.ErrBinaryNotFound
	ErrLocked            = archive.ErrLocked
	ErrNotFound          = archive.ErrNotFound
)

// Option configures the pipeline functions.
// Use the With* functions to create Options.
type Option func(*options)

type options struct {
	logger *slog.Logger
	status io.Writer

	interval time.Duration
	notify   bool

	rendererBin        string
	rendererArgs       string
	rendererMinVersion string
	renderTimeout      time.Duration
	scratchDir         string

	frameDelay time.Duration
	finalDelay time.Duration
	optimize   bool
}

func defaultOptions() *options {
	cfg := config.Default()

	return &options{
		logger:        logging.Discard(),
		interval:      cfg.Interval,
		rendererBin:   cfg.RendererBin,
		rendererArgs:  cfg.RendererArgs,
		renderTimeout: cfg.RenderTimeout,
		frameDelay:    cfg.FrameDelay,
		finalDelay:    cfg.FinalDelay,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithStatus sets the writer for Record's status lines (default: none).
func WithStatus(w io.Writer) Option { return func(o *options) { o.status = w } }

// WithInterval sets Record's poll interval (default: 5s).
func WithInterval(d time.Duration) Option { return func(o *options) { o.interval = d } }

// WithNotify makes Record also capture on filesystem change notifications.
func WithNotify() Option { return func(o *options) { o.notify = true } }

// WithRenderer sets the renderer binary and its extra arguments
// (default: openscad -q --autocenter --colorscheme='Starnight').
func WithRenderer(bin, args string) Option {
	return func(o *options) {
		o.rendererBin = bin
		o.rendererArgs = args
	}
}

// WithRendererMinVersion requires the renderer version to satisfy a semver
// constraint such as ">= 2021.1".
func WithRendererMinVersion(c string) Option {
	return func(o *options) { o.rendererMinVersion = c }
}

// WithRenderTimeout bounds each render (default: 2m, 0 disables).
func WithRenderTimeout(d time.Duration) Option { return func(o *options) { o.renderTimeout = d } }

// WithScratchDir sets the parent of Export's scratch workspace.
func WithScratchDir(dir string) Option { return func(o *options) { o.scratchDir = dir } }

// WithDelays sets Animate's frame and final-frame display durations
// (default: 100ms and 5s). Animate fails with ErrInvalidDelays unless
// 0 < frame < final <= 655.35s.
func WithDelays(frame, final time.Duration) Option {
	return func(o *options) {
		o.frameDelay = frame
		o.finalDelay = final
	}
}

// WithOptimize makes Animate store only the changed region of each frame.
func WithOptimize() Option { return func(o *options) { o.optimize = true } }

// Snapshot describes one archived snapshot.
type Snapshot = archive.Entry

// ExportReport summarizes an Export run.
type ExportReport = export.Report

// AnimateResult describes a written animation.
type AnimateResult = animate.Result

// Record captures watched into the archive immediately and then once per
// interval until ctx is cancelled. It returns the first capture error.
func Record(ctx context.Context, watched, archivePath string, opts ...Option) error {
	if watched == "" || archivePath == "" {
		return errors.New("watched file and archive path must not be empty")
	}

	o := buildOptions(opts)
	store := archive.NewStore(archivePath, archive.WithLogger(o.logger))

	return poll.Run(ctx, poll.Options{
		Path:     watched,
		Interval: o.interval,
		Notify:   o.notify,
		Debounce: poll.DefaultOptions().Debounce,
		Logger:   o.logger,
		Out:      o.status,
	}, func(context.Context) (*poll.Result, error) {
		entry, added, err := store.Capture(watched)
		if err != nil {
			return nil, err
		}

		return &poll.Result{Name: entry.Name, Added: added, Size: entry.Size}, nil
	})
}

// Snapshots lists the snapshots of an archive in capture order.
func Snapshots(archivePath string) ([]Snapshot, error) {
	return archive.NewStore(archivePath).Entries()
}

// Export renders every snapshot of the archive into imagesDir, which must
// exist. Snapshots that fail to render are listed in the report and
// reported in the returned error; the others are still rendered.
func Export(ctx context.Context, archivePath, imagesDir string, opts ...Option) (*ExportReport, error) {
	o := buildOptions(opts)

	r, err := render.New(o.rendererBin, o.rendererArgs,
		render.WithTimeout(o.renderTimeout),
		render.WithMinVersion(o.rendererMinVersion),
		render.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	if err := r.Check(ctx); err != nil {
		return nil, err
	}

	exporter := export.New(r,
		export.WithScratchDir(o.scratchDir),
		export.WithLogger(o.logger),
	)

	return exporter.Run(ctx, archive.NewStore(archivePath, archive.WithLogger(o.logger)), imagesDir)
}

// Animate encodes the images under imagesDir, in filename order, into an
// animated GIF at out.
func Animate(imagesDir, out string, opts ...Option) (*AnimateResult, error) {
	o := buildOptions(opts)

	return animate.New(
		animate.WithDelays(o.frameDelay, o.finalDelay),
		animate.WithOptimize(o.optimize),
		animate.WithLogger(o.logger),
	).Build(imagesDir, out)
}
