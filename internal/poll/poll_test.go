package poll

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Debouncer
// ---------------------------------------------------------------------------

func TestDebouncer_SingleEvent(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Trigger("a.scad")

	select {
	case p := <-d.C():
		assert.Equal(t, "a.scad", p)
	case <-time.After(time.Second):
		t.Fatal("debounced signal not delivered")
	}
}

func TestDebouncer_MultipleEventsCoalesced(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger("model.scad")
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(250 * time.Millisecond)

	assert.Len(t, d.C(), 1)
	assert.Equal(t, "model.scad", <-d.C())
	assert.Empty(t, d.C())
}

func TestDebouncer_LastEventWins(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Trigger("first.scad")
	time.Sleep(10 * time.Millisecond)
	d.Trigger("second.scad")
	time.Sleep(10 * time.Millisecond)
	d.Trigger("third.scad")

	select {
	case p := <-d.C():
		assert.Equal(t, "third.scad", p)
	case <-time.After(time.Second):
		t.Fatal("debounced signal not delivered")
	}
}

func TestDebouncer_Stop(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)

	d.Trigger("a.scad")
	d.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, d.C())
}

// ---------------------------------------------------------------------------
// isRelevant
// ---------------------------------------------------------------------------

func TestIsRelevant(t *testing.T) {
	tests := []struct {
		name string
		path string
		op   fsnotify.Op
		want bool
	}{
		{"write to watched", "/work/model.scad", fsnotify.Write, true},
		{"create watched", "/work/model.scad", fsnotify.Create, true},
		{"rename away", "/work/model.scad", fsnotify.Rename, false},
		{"remove", "/work/model.scad", fsnotify.Remove, false},
		{"chmod only", "/work/model.scad", fsnotify.Chmod, false},
		{"sibling write", "/work/other.scad", fsnotify.Write, false},
		{"editor temp", "/work/.model.scad.swp", fsnotify.Write, false},
		{"zero op", "/work/model.scad", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := fsnotify.Event{Name: tt.path, Op: tt.op}
			assert.Equal(t, tt.want, isRelevant(event, "model.scad"))
		})
	}
}

// ---------------------------------------------------------------------------
// DefaultOptions
// ---------------------------------------------------------------------------

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 5*time.Second, opts.Interval)
	assert.Equal(t, 200*time.Millisecond, opts.Debounce)
	assert.False(t, opts.Notify)
	assert.NotNil(t, opts.Logger)
	assert.NotNil(t, opts.Out)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_CapturesImmediatelyAndOnEveryTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	opts := DefaultOptions()
	opts.Interval = 20 * time.Millisecond
	opts.Out = io.Discard

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, opts, func(context.Context) (*Result, error) {
			calls.Add(1)
			return &Result{Name: "0000000000001000.scad"}, nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not shut down in time")
	}
}

func TestRun_CaptureErrorStopsLoop(t *testing.T) {
	boom := errors.New("disk full")

	var calls atomic.Int32

	opts := DefaultOptions()
	opts.Interval = 10 * time.Millisecond
	opts.Out = io.Discard

	err := Run(context.Background(), opts, func(context.Context) (*Result, error) {
		if calls.Add(1) == 3 {
			return nil, boom
		}

		return &Result{Name: "x", Added: true}, nil
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRun_InitialCaptureError(t *testing.T) {
	opts := DefaultOptions()
	opts.Out = io.Discard

	err := Run(context.Background(), opts, func(context.Context) (*Result, error) {
		return nil, os.ErrNotExist
	})

	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.ErrorContains(t, err, "capturing snapshot")
}

func TestRun_StatusLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		buf bytes.Buffer
		n   atomic.Int32
	)

	opts := DefaultOptions()
	opts.Interval = time.Hour
	opts.Out = &lockedWriter{mu: &mu, w: &buf}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, opts, func(context.Context) (*Result, error) {
			n.Add(1)
			return &Result{Name: "0000000000001000.scad", Added: true, Size: 2048}, nil
		})
	}()

	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	out := buf.String()
	mu.Unlock()

	assert.Contains(t, out, "recording watched file every 1h0m0s")
	assert.Contains(t, out, "(initial) → 0000000000001000.scad (2.0 kB)")
	assert.Contains(t, out, "stopped recording")
}

func TestRun_NotifyRequiresPath(t *testing.T) {
	opts := DefaultOptions()
	opts.Notify = true
	opts.Out = io.Discard

	err := Run(context.Background(), opts, func(context.Context) (*Result, error) {
		return &Result{}, nil
	})
	assert.ErrorContains(t, err, "requires a watched path")
}

func TestRun_NotifyMissingDirectory(t *testing.T) {
	opts := DefaultOptions()
	opts.Notify = true
	opts.Path = "/nonexistent/dir/12345/model.scad"
	opts.Out = io.Discard

	err := Run(context.Background(), opts, func(context.Context) (*Result, error) {
		return &Result{}, nil
	})
	assert.ErrorContains(t, err, "watching")
}

func TestRun_NotifyTriggersCaptureBetweenTicks(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "model.scad")
	require.NoError(t, os.WriteFile(watched, []byte("cube(1);"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	opts := DefaultOptions()
	opts.Path = watched
	opts.Notify = true
	opts.Interval = time.Hour
	opts.Debounce = 20 * time.Millisecond
	opts.Out = io.Discard

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, opts, func(context.Context) (*Result, error) {
			calls.Add(1)
			return &Result{Name: "x"}, nil
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(watched, []byte("cube(2);"), 0o600))

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond,
		"file change should trigger a capture")

	cancel()
	require.NoError(t, <-done)
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.w.Write(p)
}
