package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/scadrec/internal/archive"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeRenderer writes "png:" + source bytes to dst. Sources containing
// "FAIL" return an error; sources containing "SILENT" succeed without output.
type fakeRenderer struct {
	calls []string
}

func (f *fakeRenderer) Render(_ context.Context, src, dst string) error {
	f.calls = append(f.calls, src)

	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	switch {
	case bytes.Contains(data, []byte("FAIL")):
		return errors.New("exit status 1")
	case bytes.Contains(data, []byte("SILENT")):
		return nil
	}

	return os.WriteFile(dst, append([]byte("png:"), data...), 0o600)
}

// buildArchive captures one snapshot per (ms, content) pair.
func buildArchive(t *testing.T, ext string, snaps ...snap) *archive.Store {
	t.Helper()

	dir := t.TempDir()
	store := archive.NewStore(filepath.Join(dir, "recording.zip"))
	watched := filepath.Join(dir, "model"+ext)

	for _, s := range snaps {
		require.NoError(t, os.WriteFile(watched, []byte(s.content), 0o600))

		mt := time.UnixMilli(s.ms)
		require.NoError(t, os.Chtimes(watched, mt, mt))

		_, _, err := store.Capture(watched)
		require.NoError(t, err)
	}

	return store
}

type snap struct {
	ms      int64
	content string
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_RendersEveryEntry(t *testing.T) {
	store := buildArchive(t, ".ext", snap{1, "one"}, snap{2, "two"})
	outDir := t.TempDir()
	renderer := &fakeRenderer{}

	report, err := New(renderer).Run(context.Background(), store, outDir)
	require.NoError(t, err)

	assert.Equal(t, []string{"0000000000000001.png", "0000000000000002.png"}, listDir(t, outDir))
	assert.Equal(t, 2, report.Total)
	assert.Len(t, report.Rendered, 2)
	assert.Empty(t, report.Failed)

	data, err := os.ReadFile(filepath.Join(outDir, "0000000000000002.png"))
	require.NoError(t, err)
	assert.Equal(t, "png:two", string(data))
}

func TestRun_ScratchSourceKeepsExtension(t *testing.T) {
	store := buildArchive(t, ".scad", snap{5, "cube(1);"})
	renderer := &fakeRenderer{}

	_, err := New(renderer).Run(context.Background(), store, t.TempDir())
	require.NoError(t, err)

	require.Len(t, renderer.calls, 1)
	assert.Equal(t, "snapshot.scad", filepath.Base(renderer.calls[0]))
}

func TestRun_ListingOrder(t *testing.T) {
	store := buildArchive(t, ".scad", snap{30, "c"}, snap{10, "a"}, snap{20, "b"})
	outDir := t.TempDir()

	report, err := New(&fakeRenderer{}).Run(context.Background(), store, outDir)
	require.NoError(t, err)

	var got []string
	for _, p := range report.Rendered {
		got = append(got, filepath.Base(p))
	}

	assert.Equal(t, []string{"0000000000000030.png", "0000000000000010.png", "0000000000000020.png"}, got)
}

func TestRun_RenderFailureIsPerEntry(t *testing.T) {
	store := buildArchive(t, ".scad", snap{1, "ok"}, snap{2, "FAIL"}, snap{3, "ok again"})
	outDir := t.TempDir()

	report, err := New(&fakeRenderer{}).Run(context.Background(), store, outDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 snapshots failed to render")
	assert.Contains(t, err.Error(), "0000000000000002.scad")

	var entryErr *EntryError
	require.ErrorAs(t, err, &entryErr)
	assert.Equal(t, "0000000000000002.scad", entryErr.Entry)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, []string{"0000000000000001.png", "0000000000000003.png"}, listDir(t, outDir))
}

func TestRun_MissingRenderedImageFailsLoudly(t *testing.T) {
	store := buildArchive(t, ".scad", snap{1, "SILENT"}, snap{2, "ok"})
	outDir := t.TempDir()

	report, err := New(&fakeRenderer{}).Run(context.Background(), store, outDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rendered image")

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "0000000000000001.scad", report.Failed[0].Entry)
	assert.Equal(t, []string{"0000000000000002.png"}, listDir(t, outDir))
}

func TestRun_StaleScratchImageIsNotReused(t *testing.T) {
	// The first render leaves nothing behind in scratch after the move, and
	// the second produces nothing: it must not pick up a stale image.
	store := buildArchive(t, ".scad", snap{1, "ok"}, snap{2, "SILENT"})
	outDir := t.TempDir()

	report, err := New(&fakeRenderer{}).Run(context.Background(), store, outDir)
	require.Error(t, err)
	assert.Len(t, report.Rendered, 1)
	assert.Equal(t, []string{"0000000000000001.png"}, listDir(t, outDir))
}

func TestRun_ScratchRemovedOnSuccessAndFailure(t *testing.T) {
	for _, content := range []string{"ok", "FAIL"} {
		t.Run(content, func(t *testing.T) {
			scratchParent := t.TempDir()
			store := buildArchive(t, ".scad", snap{1, content})

			_, _ = New(&fakeRenderer{}, WithScratchDir(scratchParent)).
				Run(context.Background(), store, t.TempDir())

			assert.Empty(t, listDir(t, scratchParent))
		})
	}
}

func TestRun_MissingOutputDir(t *testing.T) {
	store := buildArchive(t, ".scad", snap{1, "ok"})
	renderer := &fakeRenderer{}

	_, err := New(renderer).Run(context.Background(), store, filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrOutputDir)
	assert.Empty(t, renderer.calls, "no work before validation")
}

func TestRun_OutputDirIsFile(t *testing.T) {
	store := buildArchive(t, ".scad", snap{1, "ok"})
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := New(&fakeRenderer{}).Run(context.Background(), store, file)
	assert.ErrorIs(t, err, ErrOutputDir)
}

func TestRun_MissingArchive(t *testing.T) {
	store := archive.NewStore(filepath.Join(t.TempDir(), "missing.zip"))

	_, err := New(&fakeRenderer{}).Run(context.Background(), store, t.TempDir())
	assert.ErrorContains(t, err, "opening archive")
}

func TestRun_CancelledContext(t *testing.T) {
	store := buildArchive(t, ".scad", snap{1, "ok"}, snap{2, "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	renderer := &fakeRenderer{}
	_, err := New(renderer).Run(ctx, store, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, renderer.calls)
}

func TestRun_CustomImageExt(t *testing.T) {
	store := buildArchive(t, ".scad", snap{7, "x"})
	outDir := t.TempDir()

	_, err := New(&fakeRenderer{}, WithImageExt(".jpg")).Run(context.Background(), store, outDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"0000000000000007.jpg"}, listDir(t, outDir))
}

// ---------------------------------------------------------------------------
// Helpers under test
// ---------------------------------------------------------------------------

func TestImagePath(t *testing.T) {
	e := New(&fakeRenderer{})
	entry := archive.Entry{Name: "0000000000001000.scad", Ext: ".scad"}
	assert.Equal(t, filepath.Join("imgs", "0000000000001000.png"), e.ImagePath("imgs", entry))
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a")
	dst := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o600))

	require.NoError(t, moveFile(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestEntryError(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &EntryError{Entry: "0000000000000001.scad", Err: inner}

	assert.Equal(t, "snapshot 0000000000000001.scad: exit status 1", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestWriteFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out")
	require.NoError(t, writeFile(p, io.LimitReader(strings.NewReader("abcdef"), 3)))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}
