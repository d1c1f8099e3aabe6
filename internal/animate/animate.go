// Package animate assembles an ordered directory of images into a single
// animated GIF. Every frame is shown for the frame delay except the last,
// which is held for the longer final delay.
package animate

import (
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/gif"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	// Frame decoders.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hupe1980/scadrec/internal/logging"
)

// Default frame timing.
const (
	DefaultFrameDelay = 100 * time.Millisecond
	DefaultFinalDelay = 5 * time.Second
)

// gifTick is the resolution of GIF frame delays.
const gifTick = 10 * time.Millisecond

// maxTicks is the largest delay a GIF frame can carry (uint16).
const maxTicks = 65535

// MaxDelay is the longest display duration a single frame can have.
const MaxDelay = maxTicks * gifTick

var (
	// ErrEmptyInput is returned when the frame directory holds no files.
	ErrEmptyInput = errors.New("no frames to animate")

	// ErrFrameSize is returned when a frame's dimensions differ from the first.
	ErrFrameSize = errors.New("frame dimensions differ")

	// ErrUnsupportedFormat is returned for output paths without an encoder.
	ErrUnsupportedFormat = errors.New("unsupported animation format")

	// ErrInvalidDelays is returned when the delays cannot hold the final
	// frame longer than the others.
	ErrInvalidDelays = errors.New("invalid frame delays")
)

// Supported reports whether an encoder exists for the extension of out.
func Supported(out string) bool {
	return strings.EqualFold(filepath.Ext(out), ".gif")
}

// Frames returns the regular files directly under dir, sorted by name.
// Symlinks to regular files are included; subdirectories are not.
func Frames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frame directory: %w", err)
	}

	var frames []string

	for _, e := range entries {
		p := filepath.Join(dir, e.Name())

		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("inspecting frame %s: %w", p, err)
		}

		if info.Mode().IsRegular() {
			frames = append(frames, p)
		}
	}

	sort.Strings(frames)

	return frames, nil
}

// Durations returns n display durations: frame for all but the last, final
// for the last.
func Durations(n int, frame, final time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}

	d := make([]time.Duration, n)
	for i := range d {
		d[i] = frame
	}

	d[n-1] = final

	return d
}

// Result describes a written animation.
type Result struct {
	Path      string
	Frames    int
	Durations []time.Duration
	Width     int
	Height    int
}

// Builder encodes frame sequences.
type Builder struct {
	frameDelay time.Duration
	finalDelay time.Duration
	optimize   bool
	logger     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithDelays sets the per-frame and final-frame display durations.
func WithDelays(frame, final time.Duration) Option {
	return func(b *Builder) {
		b.frameDelay = frame
		b.finalDelay = final
	}
}

// WithOptimize crops every frame after the first to the region that changed
// from its predecessor.
func WithOptimize(on bool) Option {
	return func(b *Builder) {
		b.optimize = on
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// New returns a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{
		frameDelay: DefaultFrameDelay,
		finalDelay: DefaultFinalDelay,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.logger = logging.Component(b.logger, "animate")

	return b
}

// Build encodes the frames under dir into an animation at out. Nothing is
// written when dir holds no frames or any frame fails to decode.
func (b *Builder) Build(dir, out string) (*Result, error) {
	if !Supported(out) {
		return nil, fmt.Errorf("%w: %q (supported: .gif)", ErrUnsupportedFormat, filepath.Ext(out))
	}

	if err := b.checkDelays(); err != nil {
		return nil, err
	}

	frames, err := Frames(dir)
	if err != nil {
		return nil, err
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrEmptyInput, dir)
	}

	durations := Durations(len(frames), b.frameDelay, b.finalDelay)
	delays := ticks(durations)

	anim := &gif.GIF{}

	var (
		prev *image.Paletted
		size image.Point
	)

	for i, path := range frames {
		img, err := decodeFrame(path)
		if err != nil {
			return nil, err
		}

		if i == 0 {
			size = img.Bounds().Size()
		} else if got := img.Bounds().Size(); got != size {
			return nil, fmt.Errorf("%w: %s is %dx%d, expected %dx%d",
				ErrFrameSize, filepath.Base(path), got.X, got.Y, size.X, size.Y)
		}

		pal := quantize(img)

		frame := pal
		if b.optimize && prev != nil {
			frame = pal.SubImage(changedRect(prev, pal)).(*image.Paletted)
		}

		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, delays[i])
		anim.Disposal = append(anim.Disposal, gif.DisposalNone)

		prev = pal
	}

	anim.Config = image.Config{
		ColorModel: prev.Palette,
		Width:      size.X,
		Height:     size.Y,
	}

	if err := writeAtomic(out, anim); err != nil {
		return nil, err
	}

	b.logger.Info("animation written",
		slog.String("path", out),
		slog.Int("frames", len(frames)),
	)

	return &Result{
		Path:      out,
		Frames:    len(frames),
		Durations: durations,
		Width:     size.X,
		Height:    size.Y,
	}, nil
}

func (b *Builder) checkDelays() error {
	switch {
	case b.frameDelay <= 0:
		return fmt.Errorf("%w: frame delay %s must be positive", ErrInvalidDelays, b.frameDelay)
	case b.finalDelay <= b.frameDelay:
		return fmt.Errorf("%w: final delay %s must be longer than frame delay %s",
			ErrInvalidDelays, b.finalDelay, b.frameDelay)
	case b.finalDelay > MaxDelay:
		return fmt.Errorf("%w: final delay %s exceeds %s", ErrInvalidDelays, b.finalDelay, MaxDelay)
	}

	return nil
}

// ticks converts durations to GIF delay units within [1, maxTicks], keeping
// the last delay strictly longer than the others after rounding.
func ticks(durations []time.Duration) []int {
	t := make([]int, len(durations))
	for i, d := range durations {
		t[i] = min(max(int(d/gifTick), 1), maxTicks)
	}

	n := len(t)
	if n < 2 || t[n-1] > t[0] {
		return t
	}

	if t[0] < maxTicks {
		t[n-1] = t[0] + 1
		return t
	}

	for i := range t[:n-1] {
		t[i] = maxTicks - 1
	}

	t[n-1] = maxTicks

	return t
}

func decodeFrame(path string) (image.Image, error) {
	f, err := os.Open(path) //nolint:gosec // frame paths come from the operator's directory
	if err != nil {
		return nil, fmt.Errorf("opening frame: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding frame %s: %w", filepath.Base(path), err)
	}

	return img, nil
}

// quantize maps img onto the Plan 9 palette with Floyd-Steinberg dithering.
// The result always starts at the origin.
func quantize(img image.Image) *image.Paletted {
	b := img.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), palette.Plan9)
	xdraw.FloydSteinberg.Draw(dst, dst.Bounds(), img, b.Min)

	return dst
}

// changedRect returns the bounding box of pixels that differ between a and
// b, which share bounds. Identical frames yield a single pixel so that the
// frame still carries its delay.
func changedRect(a, b *image.Paletted) image.Rectangle {
	r := image.Rectangle{}
	bounds := b.Bounds()

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		ra := a.Pix[a.PixOffset(bounds.Min.X, y):a.PixOffset(bounds.Max.X, y)]
		rb := b.Pix[b.PixOffset(bounds.Min.X, y):b.PixOffset(bounds.Max.X, y)]

		for x := range rb {
			if ra[x] != rb[x] {
				r = r.Union(image.Rect(bounds.Min.X+x, y, bounds.Min.X+x+1, y+1))
			}
		}
	}

	if r.Empty() {
		return image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+1, bounds.Min.Y+1)
	}

	return r
}

// writeAtomic encodes anim to a temp file beside out and renames it into place.
func writeAtomic(out string, anim *gif.GIF) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating animation file: %w", err)
	}

	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err = gif.EncodeAll(tmp, anim); err != nil {
		return fmt.Errorf("encoding animation: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing animation file: %w", err)
	}

	if err = os.Chmod(tmpPath, 0o644); err != nil { //nolint:gosec // output is meant to be shared
		return fmt.Errorf("setting animation permissions: %w", err)
	}

	if err = os.Rename(tmpPath, out); err != nil {
		return fmt.Errorf("writing animation %s: %w", out, err)
	}

	return nil
}
