package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/scadrec/internal/logging"
)

// DefaultInterval is the poll period used when Options.Interval is zero.
const DefaultInterval = 5 * time.Second

// CaptureFunc takes one snapshot of the watched file.
type CaptureFunc func(ctx context.Context) (*Result, error)

// Result describes the outcome of a single capture.
type Result struct {
	// Name is the archive entry name derived from the file's mtime.
	Name string

	// Added is false when the entry was already archived.
	Added bool

	// Size is the snapshot size in bytes.
	Size uint64
}

// Options configures the record loop.
type Options struct {
	// Path is the watched file. Required in notify mode.
	Path string

	// Interval is the period between captures.
	Interval time.Duration

	// Notify enables filesystem change notification on Path.
	Notify bool

	// Debounce is the quiet period before a notification triggers a capture.
	Debounce time.Duration

	// Logger is used for structured logging.
	Logger *slog.Logger

	// Out is the writer for user-facing status messages.
	Out io.Writer
}

// DefaultOptions returns sensible default poll options.
func DefaultOptions() Options {
	return Options{
		Interval: DefaultInterval,
		Debounce: 200 * time.Millisecond,
		Logger:   slog.Default(),
		Out:      os.Stderr,
	}
}

// Run captures immediately and then once per interval until ctx is
// cancelled or a SIGINT/SIGTERM signal is received, in which case it
// returns nil. A capture error stops the loop and is returned.
func Run(ctx context.Context, opts Options, capture CaptureFunc) error {
	opts.Logger = logging.Component(opts.Logger, "record")

	if opts.Out == nil {
		opts.Out = io.Discard
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	var (
		errs     <-chan error
		triggers <-chan string
	)

	if opts.Notify {
		if opts.Path == "" {
			return errors.New("notify mode requires a watched path")
		}

		watcher, err := newWatcher(opts.Path)
		if err != nil {
			return err
		}
		defer watcher.Close()

		debouncer := NewDebouncer(opts.Debounce)
		defer debouncer.Stop()

		go forward(watcher, filepath.Base(opts.Path), debouncer)

		errs, triggers = watcher.Errors, debouncer.C()
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(opts.Out, "recording %s every %s (notify=%t), press ctrl-c to stop\n",
		displayPath(opts.Path), opts.Interval, opts.Notify)

	if err := doCapture(sigCtx, opts, capture, "(initial)"); err != nil {
		return err
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sigCtx.Done():
			_, _ = fmt.Fprintln(opts.Out, "\nstopped recording")
			return nil

		case <-ticker.C:
			if err := doCapture(sigCtx, opts, capture, "poll"); err != nil {
				return err
			}

		case path := <-triggers:
			if err := doCapture(sigCtx, opts, capture, path); err != nil {
				return err
			}

		case watchErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}

			opts.Logger.Error("watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// doCapture runs a single capture and prints a status line for new entries.
func doCapture(ctx context.Context, opts Options, capture CaptureFunc, trigger string) error {
	result, err := capture(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Out, "[%s] %s → ERROR: %v\n", time.Now().Format("15:04:05"), trigger, err)
		return fmt.Errorf("capturing snapshot: %w", err)
	}

	if !result.Added {
		opts.Logger.Debug("no change", logging.Entry(result.Name), slog.String("trigger", trigger))
		return nil
	}

	_, _ = fmt.Fprintf(opts.Out, "[%s] %s → %s (%s)\n",
		time.Now().Format("15:04:05"), trigger, result.Name, humanize.Bytes(result.Size))

	return nil
}

// newWatcher watches the parent directory of path. Editors commonly save by
// writing a new file and renaming it over the old one, which drops a watch
// placed on the file itself.
func newWatcher(path string) (*fsnotify.Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving watched file %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %q: %w", filepath.Dir(abs), err)
	}

	return watcher, nil
}

// forward feeds relevant watcher events into the debouncer until the
// watcher is closed.
func forward(watcher *fsnotify.Watcher, base string, d *Debouncer) {
	for ev := range watcher.Events {
		if isRelevant(ev, base) {
			d.Trigger(ev.Name)
		}
	}
}

// isRelevant reports whether event modified the watched file named base.
func isRelevant(event fsnotify.Event, base string) bool {
	if event.Op == 0 {
		return false
	}

	// A rename reports the old name, which no longer exists.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}

	return filepath.Base(event.Name) == base
}

func displayPath(p string) string {
	if p == "" {
		return "watched file"
	}

	return p
}
