package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRenderer routes every invocation to TestHelperProcess in the given mode
// and records the argument vector.
func stubRenderer(t *testing.T, mode string) *[]string {
	t.Helper()

	var captured []string

	original := commandContext
	commandContext = func(ctx context.Context, _ string, args ...string) *exec.Cmd {
		captured = append([]string(nil), args...)

		cs := append([]string{"-test.run=TestHelperProcess", "--"}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "RENDER_HELPER_MODE="+mode)

		return cmd
	}

	originalLook := lookPath
	lookPath = func(file string) (string, error) { return file, nil }

	t.Cleanup(func() {
		commandContext = original
		lookPath = originalLook
	})

	return &captured
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_SplitsArgsWithShellRules(t *testing.T) {
	r, err := New("openscad", "-q --autocenter --colorscheme='Starnight'")
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"in.scad", "-o", "out.png", "-q", "--autocenter", "--colorscheme=Starnight"},
		r.Args("in.scad", "out.png"),
	)
}

func TestNew_PathsWithSpacesStayWhole(t *testing.T) {
	r, err := New("openscad", `--camera "0,0,0" -D 'label="a b"'`)
	require.NoError(t, err)

	args := r.Args("/my models/part one.scad", "/tmp/x y.png")
	assert.Equal(t, "/my models/part one.scad", args[0])
	assert.Equal(t, "/tmp/x y.png", args[2])
	assert.Equal(t, []string{"--camera", "0,0,0", "-D", `label="a b"`}, args[3:])
}

func TestNew_EmptyArgs(t *testing.T) {
	r, err := New("openscad", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "-o", "b"}, r.Args("a", "b"))
}

func TestNew_UnbalancedQuote(t *testing.T) {
	_, err := New("openscad", "--colorscheme='Starnight")
	assert.ErrorContains(t, err, "parsing renderer arguments")
}

func TestNew_EmptyBinary(t *testing.T) {
	_, err := New("  ", "")
	assert.Error(t, err)
}

func TestWithOutputFlag(t *testing.T) {
	r, err := New("renderer", "", WithOutputFlag("--out"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "--out", "b"}, r.Args("a", "b"))
}

// ---------------------------------------------------------------------------
// Render
// ---------------------------------------------------------------------------

func TestRender_Success(t *testing.T) {
	captured := stubRenderer(t, "success")

	dir := t.TempDir()
	src := filepath.Join(dir, "snapshot.scad")
	dst := filepath.Join(dir, "render.png")
	require.NoError(t, os.WriteFile(src, []byte("cube(1);"), 0o600))

	r, err := New("openscad", "-q")
	require.NoError(t, err)

	require.NoError(t, r.Render(context.Background(), src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "png:cube(1);", string(data))
	assert.Equal(t, []string{src, "-o", dst, "-q"}, *captured)
}

func TestRender_NonzeroExit(t *testing.T) {
	stubRenderer(t, "failure")

	dir := t.TempDir()
	r, err := New("openscad", "")
	require.NoError(t, err)

	err = r.Render(context.Background(), filepath.Join(dir, "a.scad"), filepath.Join(dir, "a.png"))
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.ExitCode)
	assert.Contains(t, rerr.Output, "syntax error")
	assert.Contains(t, err.Error(), "syntax error in line 3")
}

func TestRender_NoOutput(t *testing.T) {
	stubRenderer(t, "nooutput")

	dir := t.TempDir()
	r, err := New("openscad", "")
	require.NoError(t, err)

	err = r.Render(context.Background(), filepath.Join(dir, "a.scad"), filepath.Join(dir, "a.png"))
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestRender_MissingBinary(t *testing.T) {
	dir := t.TempDir()
	r, err := New(filepath.Join(dir, "no-such-renderer"), "")
	require.NoError(t, err)

	err = r.Render(context.Background(), filepath.Join(dir, "a.scad"), filepath.Join(dir, "a.png"))

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -1, rerr.ExitCode)
}

func TestRender_Timeout(t *testing.T) {
	stubRenderer(t, "hang")

	dir := t.TempDir()
	r, err := New("openscad", "", WithTimeout(100*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	err = r.Render(context.Background(), filepath.Join(dir, "a.scad"), filepath.Join(dir, "a.png"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRender_TimeoutKillsForkedChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires process groups")
	}

	stubRenderer(t, "fork")

	dir := t.TempDir()
	r, err := New("openscad", "", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	err = r.Render(context.Background(), filepath.Join(dir, "a.scad"), filepath.Join(dir, "a.png"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), waitDelay)
}

func TestRender_WaitDelayBoundsHeldPipes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires process groups")
	}

	// A grandchild in its own group survives the kill and keeps the
	// output pipe open; Render must still return after waitDelay.
	stubRenderer(t, "detach")

	original := waitDelay
	waitDelay = 300 * time.Millisecond

	t.Cleanup(func() { waitDelay = original })

	dir := t.TempDir()
	r, err := New("openscad", "", WithTimeout(200*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	err = r.Render(context.Background(), filepath.Join(dir, "a.scad"), filepath.Join(dir, "a.png"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

// ---------------------------------------------------------------------------
// Check
// ---------------------------------------------------------------------------

func TestCheck_BinaryNotFound(t *testing.T) {
	original := lookPath
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }

	t.Cleanup(func() { lookPath = original })

	r, err := New("openscad", "")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Check(context.Background()), ErrBinaryNotFound)
}

func TestCheck_NoConstraint(t *testing.T) {
	stubRenderer(t, "version")

	r, err := New("openscad", "")
	require.NoError(t, err)
	assert.NoError(t, r.Check(context.Background()))
}

func TestCheck_VersionSatisfied(t *testing.T) {
	stubRenderer(t, "version")

	r, err := New("openscad", "", WithMinVersion(">= 2019.5"))
	require.NoError(t, err)
	assert.NoError(t, r.Check(context.Background()))
}

func TestCheck_VersionTooOld(t *testing.T) {
	stubRenderer(t, "version")

	r, err := New("openscad", "", WithMinVersion(">= 2024.1"))
	require.NoError(t, err)
	assert.ErrorIs(t, r.Check(context.Background()), ErrVersion)
}

func TestCheck_InvalidConstraint(t *testing.T) {
	stubRenderer(t, "version")

	r, err := New("openscad", "", WithMinVersion("not a constraint"))
	require.NoError(t, err)
	assert.ErrorContains(t, r.Check(context.Background()), "invalid renderer version constraint")
}

// ---------------------------------------------------------------------------
// ParseVersion / helpers
// ---------------------------------------------------------------------------

func TestParseVersion(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"OpenSCAD version 2021.01\n", "2021.1.0"},
		{"OpenSCAD version 2019.05", "2019.5.0"},
		{"renderer 1.2.3 (build 7)", "1.2.3"},
		{"v3", "3.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := ParseVersion(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestParseVersion_NoNumber(t *testing.T) {
	_, err := ParseVersion("OpenSCAD development build")
	assert.ErrorContains(t, err, "no version number")
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	var tb tailBuffer

	for i := 0; i < 2000; i++ {
		_, _ = fmt.Fprintf(&tb, "line %04d\n", i)
	}

	assert.LessOrEqual(t, len(tb.String()), outputTailBytes)
	assert.Contains(t, tb.String(), "line 1999")
	assert.NotContains(t, tb.String(), "line 0000")
}

func TestError_Message(t *testing.T) {
	err := &Error{Source: "a.scad", Output: "warn\nERROR: boom\n", Err: errors.New("exit status 1")}
	assert.Equal(t, "rendering a.scad: exit status 1: ERROR: boom", err.Error())
}

// TestHelperProcess is executed as the renderer subprocess by stubRenderer.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	switch os.Getenv("RENDER_HELPER_MODE") {
	case "success":
		src, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		if err := os.WriteFile(args[2], append([]byte("png:"), src...), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		os.Exit(0)
	case "failure":
		fmt.Fprintln(os.Stderr, "Parsing design (AST generation)...")
		fmt.Fprintln(os.Stderr, "ERROR: Parser error: syntax error in line 3")
		os.Exit(1)
	case "nooutput":
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	case "fork", "detach":
		child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--")
		child.Env = append(os.Environ(), "RENDER_HELPER_MODE=hang")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr

		if os.Getenv("RENDER_HELPER_MODE") == "detach" {
			detach(child)
		}

		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		time.Sleep(time.Minute)
		os.Exit(0)
	case "version":
		fmt.Fprintln(os.Stderr, "OpenSCAD version 2021.01")
		os.Exit(0)
	default:
		os.Exit(0)
	}
}
