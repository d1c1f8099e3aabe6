// Package export replays archived snapshots through the renderer and
// collects the resulting images in an output directory.
//
// Snapshots are processed one at a time in archive order through a scratch
// workspace that holds exactly one extracted source and one rendered image.
// The workspace is removed when Run returns, whatever the outcome.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/logging"
)

// DefaultImageExt is the extension of rendered images.
const DefaultImageExt = ".png"

// ErrOutputDir is returned when the output directory is missing or not a
// directory.
var ErrOutputDir = errors.New("output directory does not exist")

// Renderer rasterizes one source file into one image.
type Renderer interface {
	Render(ctx context.Context, src, dst string) error
}

// Source streams archived snapshots in container order.
type Source interface {
	Walk(fn func(archive.Entry, io.Reader) error) error
}

// EntryError records a snapshot that could not be rendered.
type EntryError struct {
	Entry string
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Report summarizes an export run.
type Report struct {
	// Total is the number of snapshots visited.
	Total int

	// Rendered lists the image paths written, in archive order.
	Rendered []string

	// Failed lists snapshots whose render failed.
	Failed []*EntryError
}

// Exporter renders every snapshot of an archive into an image directory.
type Exporter struct {
	renderer   Renderer
	imageExt   string
	scratchDir string
	logger     *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithImageExt overrides the rendered image extension (default ".png").
func WithImageExt(ext string) Option {
	return func(e *Exporter) {
		e.imageExt = ext
	}
}

// WithScratchDir sets the parent directory of the scratch workspace.
// Empty means the OS temp directory.
func WithScratchDir(dir string) Option {
	return func(e *Exporter) {
		e.scratchDir = dir
	}
}

// WithLogger sets the logger used for per-entry progress and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exporter) {
		e.logger = logger
	}
}

// New returns an Exporter that renders with r.
func New(r Renderer, opts ...Option) *Exporter {
	e := &Exporter{
		renderer: r,
		imageExt: DefaultImageExt,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = logging.Component(e.logger, "export")

	return e
}

// ImagePath returns the image path for entry inside outDir.
func (e *Exporter) ImagePath(outDir string, entry archive.Entry) string {
	return filepath.Join(outDir, entry.Stem()+e.imageExt)
}

// Run renders every snapshot from src into outDir, which must exist.
//
// A snapshot whose render fails is logged, recorded in Report.Failed and
// skipped; the remaining snapshots are still processed. Run then returns the
// report together with an error joining every failure. I/O errors on the
// scratch workspace or the output directory abort the run.
func (e *Exporter) Run(ctx context.Context, src Source, outDir string) (*Report, error) {
	if err := CheckOutputDir(outDir); err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(e.scratchDir, "scadrec-export-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch workspace: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			e.logger.Warn("removing scratch workspace", slog.String("path", scratch), slog.String("error", rmErr.Error()))
		}
	}()

	report := &Report{}

	walkErr := src.Walk(func(entry archive.Entry, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		report.Total++

		target := e.ImagePath(outDir, entry)

		if err := e.exportOne(ctx, scratch, entry, r, target); err != nil {
			var entryErr *EntryError
			if !errors.As(err, &entryErr) {
				return err
			}

			e.logger.Error("render failed",
				logging.Entry(entry.Name),
				slog.String("error", entryErr.Err.Error()),
			)

			report.Failed = append(report.Failed, entryErr)

			return nil
		}

		e.logger.Info("rendered snapshot",
			logging.Entry(entry.Name),
			slog.String("image", target),
		)

		report.Rendered = append(report.Rendered, target)

		return nil
	})
	if walkErr != nil {
		return report, walkErr
	}

	if len(report.Failed) > 0 {
		errs := make([]error, len(report.Failed))
		for i, f := range report.Failed {
			errs[i] = f
		}

		return report, fmt.Errorf("%d of %d snapshots failed to render: %w",
			len(report.Failed), report.Total, errors.Join(errs...))
	}

	return report, nil
}

// exportOne extracts, renders and moves a single snapshot. Render failures
// are returned as *EntryError; anything else is an I/O error.
func (e *Exporter) exportOne(ctx context.Context, scratch string, entry archive.Entry, r io.Reader, target string) error {
	srcPath := filepath.Join(scratch, "snapshot"+entry.Ext)
	imgPath := filepath.Join(scratch, "render"+e.imageExt)

	if err := writeFile(srcPath, r); err != nil {
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}

	if err := os.Remove(imgPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing scratch image: %w", err)
	}

	if err := e.renderer.Render(ctx, srcPath, imgPath); err != nil {
		return &EntryError{Entry: entry.Name, Err: err}
	}

	if _, err := os.Stat(imgPath); err != nil {
		return &EntryError{Entry: entry.Name, Err: fmt.Errorf("no rendered image at %s", imgPath)}
	}

	if err := moveFile(imgPath, target); err != nil {
		return fmt.Errorf("moving image for %s: %w", entry.Name, err)
	}

	return nil
}

// CheckOutputDir verifies that dir exists and is a directory.
func CheckOutputDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOutputDir, dir)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrOutputDir, dir)
	}

	return nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return err
	}

	return f.Close()
}

// moveFile renames src to dst, falling back to copy and remove when they
// are on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // images are not secret
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
