// Package render invokes the external renderer that rasterizes one model
// source file into one image.
//
// The renderer is executed directly with an argument vector:
//
//	<binary> <source> -o <image> <extra args...>
//
// Extra arguments are supplied as a single string and split with POSIX
// shell-word rules, so quoting behaves as on a command line. No shell is
// involved.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/mattn/go-shellwords"

	"github.com/hupe1980/scadrec/internal/logging"
)

// DefaultOutputFlag precedes the image path on the renderer command line.
const DefaultOutputFlag = "-o"

// outputTailBytes bounds how much renderer output is kept for error messages.
const outputTailBytes = 4 << 10

var (
	// ErrBinaryNotFound is returned when the renderer cannot be resolved.
	ErrBinaryNotFound = errors.New("renderer binary not found")

	// ErrNoOutput is returned when the renderer exits cleanly without
	// producing the requested image.
	ErrNoOutput = errors.New("renderer produced no image")

	// ErrVersion is returned when the renderer's version does not satisfy
	// the configured constraint.
	ErrVersion = errors.New("unsupported renderer version")
)

// commandContext is overridden in tests to substitute a stub process.
var commandContext = exec.CommandContext

// lookPath is overridden in tests.
var lookPath = exec.LookPath

// waitDelay bounds how long Render waits for the renderer's output pipes to
// close after the process has been killed.
var waitDelay = 5 * time.Second

// Error describes a failed renderer invocation.
type Error struct {
	// Source is the file passed to the renderer.
	Source string

	// ExitCode is the renderer's exit status, or -1 if it did not exit.
	ExitCode int

	// Output is the tail of the renderer's combined stdout/stderr.
	Output string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rendering %s: %v", e.Source, e.Err)

	if last := lastLine(e.Output); last != "" {
		msg += ": " + last
	}

	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Renderer runs the external rendering binary.
type Renderer struct {
	binary     string
	args       []string
	outputFlag string
	timeout    time.Duration
	minVersion string
	logger     *slog.Logger
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithTimeout bounds each invocation. Zero disables the limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Renderer) {
		r.timeout = d
	}
}

// WithMinVersion sets a semver constraint checked by Check.
func WithMinVersion(constraint string) Option {
	return func(r *Renderer) {
		r.minVersion = strings.TrimSpace(constraint)
	}
}

// WithOutputFlag overrides the flag that introduces the image path.
func WithOutputFlag(flag string) Option {
	return func(r *Renderer) {
		r.outputFlag = flag
	}
}

// WithLogger sets the logger for invocation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Renderer) {
		r.logger = logger
	}
}

// New returns a Renderer for binary. extraArgs is split into words and
// appended to every invocation.
func New(binary, extraArgs string, opts ...Option) (*Renderer, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, errors.New("renderer binary must not be empty")
	}

	args, err := shellwords.Parse(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("parsing renderer arguments %q: %w", extraArgs, err)
	}

	r := &Renderer{
		binary:     binary,
		args:       args,
		outputFlag: DefaultOutputFlag,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = logging.Component(r.logger, "render")

	return r, nil
}

// Binary returns the configured renderer binary.
func (r *Renderer) Binary() string {
	return r.binary
}

// Args returns the argument vector for rendering src into dst.
func (r *Renderer) Args(src, dst string) []string {
	args := make([]string, 0, 3+len(r.args))
	args = append(args, src, r.outputFlag, dst)

	return append(args, r.args...)
}

// Check verifies that the renderer binary resolves and, when a version
// constraint is configured, that its reported version satisfies it.
func (r *Renderer) Check(ctx context.Context) error {
	path, err := lookPath(r.binary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, r.binary)
	}

	if r.minVersion == "" {
		return nil
	}

	constraint, err := semver.NewConstraint(r.minVersion)
	if err != nil {
		return fmt.Errorf("invalid renderer version constraint %q: %w", r.minVersion, err)
	}

	out, err := command(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("querying renderer version: %w", err)
	}

	v, err := ParseVersion(string(out))
	if err != nil {
		return err
	}

	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s is %s, need %s", ErrVersion, r.binary, v, r.minVersion)
	}

	r.logger.Debug("renderer version accepted", slog.String("version", v.String()))

	return nil
}

// Render rasterizes src into dst. It fails when the renderer cannot be
// started, exits nonzero, or leaves no file at dst.
func (r *Renderer) Render(ctx context.Context, src, dst string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var out tailBuffer

	cmd := command(ctx, r.binary, r.Args(src, dst)...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()

	if err := cmd.Run(); err != nil {
		code := -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%w)", err, ctxErr)
		}

		return &Error{Source: src, ExitCode: code, Output: out.String(), Err: err}
	}

	if _, err := os.Stat(dst); err != nil {
		return &Error{Source: src, Output: out.String(), Err: ErrNoOutput}
	}

	r.logger.Debug("rendered",
		slog.String("source", src),
		slog.Duration("elapsed", time.Since(start)),
	)

	return nil
}

// command builds a renderer invocation that is killed together with its
// children when ctx ends.
func command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := commandContext(ctx, name, args...) //nolint:gosec // binary is operator-configured
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	return cmd
}

var versionPattern = regexp.MustCompile(`\d+(?:\.\d+){0,2}`)

// ParseVersion extracts the first dotted version number from text such as
// "OpenSCAD version 2021.01". Leading zeros in segments are dropped.
func ParseVersion(text string) (*semver.Version, error) {
	raw := versionPattern.FindString(text)
	if raw == "" {
		return nil, fmt.Errorf("no version number in %q", strings.TrimSpace(text))
	}

	parts := strings.Split(raw, ".")
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parsing version %q: %w", raw, err)
		}

		parts[i] = strconv.Itoa(n)
	}

	v, err := semver.NewVersion(strings.Join(parts, "."))
	if err != nil {
		return nil, fmt.Errorf("parsing version %q: %w", raw, err)
	}

	return v, nil
}

// tailBuffer keeps the last outputTailBytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)

	t.buf.Write(p)

	if over := t.buf.Len() - outputTailBytes; over > 0 {
		t.buf.Next(over)
	}

	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}

	return s
}
