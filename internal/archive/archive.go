// Package archive stores timestamped snapshots of a watched file in a
// deflate-compressed zip container.
//
// Entry names are the watched file's modification time in milliseconds,
// zero-padded to 16 digits, followed by the watched file's extension. Names
// therefore sort lexicographically in chronological order. Entries are
// append-only: a name that is already present is never overwritten.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zip"

	"github.com/hupe1980/scadrec/internal/logging"
)

// StemDigits is the width of the zero-padded millisecond timestamp.
const StemDigits = 16

var (
	// ErrNotFound is returned when a named entry is not in the archive.
	ErrNotFound = errors.New("entry not found")

	// ErrLocked is returned when another process is appending to the archive.
	ErrLocked = errors.New("archive is locked by another writer")

	// ErrInvalidName is returned for entry names that are not timestamp-derived.
	ErrInvalidName = errors.New("invalid entry name")
)

// Entry describes one snapshot stored in the archive.
type Entry struct {
	Name           string    `json:"name" yaml:"name"`
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	Ext            string    `json:"ext" yaml:"ext"`
	Size           uint64    `json:"size" yaml:"size"`
	CompressedSize uint64    `json:"compressedSize" yaml:"compressedSize"`
}

// Stem returns the entry name without its extension.
func (e Entry) Stem() string {
	return strings.TrimSuffix(e.Name, e.Ext)
}

// EntryName derives the archive name for a snapshot taken at ms.
func EntryName(ms int64, ext string) string {
	return fmt.Sprintf("%0*d%s", StemDigits, ms, ext)
}

// ParseEntryName is the inverse of EntryName.
func ParseEntryName(name string) (time.Time, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	if len(stem) != StemDigits {
		return time.Time{}, "", fmt.Errorf("%w %q: stem must be %d digits", ErrInvalidName, name, StemDigits)
	}

	ms, err := strconv.ParseInt(stem, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, "", fmt.Errorf("%w %q: stem is not a timestamp", ErrInvalidName, name)
	}

	return time.UnixMilli(ms), ext, nil
}

// Store appends snapshots to, and reads them back from, one archive file.
type Store struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for capture diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore returns a Store for the archive at path. The archive is created
// on the first capture.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = logging.Component(s.logger, "archive")

	return s
}

// Path returns the archive file path.
func (s *Store) Path() string {
	return s.path
}

// Capture stores the current contents of watched under a name derived from
// its modification time. It reports false without error when that name is
// already present.
//
// The archive is rewritten into a temp file next to it and renamed into
// place, so an interrupted capture leaves the previous archive intact.
func (s *Store) Capture(watched string) (Entry, bool, error) {
	modTime, data, err := readSnapshot(watched)
	if err != nil {
		return Entry{}, false, err
	}

	ext := filepath.Ext(watched)
	entry := Entry{
		Name:      EntryName(modTime.UnixMilli(), ext),
		Timestamp: time.UnixMilli(modTime.UnixMilli()),
		Ext:       ext,
		Size:      uint64(len(data)),
	}

	locked, err := s.lock.TryLock()
	if err != nil {
		return Entry{}, false, fmt.Errorf("locking archive %q: %w", s.path, err)
	}

	if !locked {
		return Entry{}, false, fmt.Errorf("%s: %w", s.path, ErrLocked)
	}
	defer func() { _ = s.lock.Unlock() }()

	existing, err := s.openExisting()
	if err != nil {
		return Entry{}, false, err
	}

	if existing != nil && indexOf(existing.File, entry.Name) >= 0 {
		_ = existing.Close()

		s.logger.Debug("snapshot already archived", logging.Entry(entry.Name))

		return entry, false, nil
	}

	if err := s.rewrite(existing, entry, modTime, data); err != nil {
		return Entry{}, false, err
	}

	s.logger.Debug("snapshot archived",
		logging.Entry(entry.Name),
		slog.Int("bytes", len(data)),
	)

	return entry, true, nil
}

// snapshotAttempts bounds how often readSnapshot retries a file that keeps
// changing while it is read.
const snapshotAttempts = 3

// afterSnapshotRead runs between reading the watched file and re-checking
// its modification time. Tests use it to simulate a concurrent save.
var afterSnapshotRead = func(string) {}

// readSnapshot returns the contents of watched together with the
// modification time they belong to. The file is read through a single
// handle and its modification time is checked again afterwards; a save that
// lands in between causes a retry. If the file is still changing after the
// last attempt, the newer modification time is used so that the content is
// never filed under an older name.
func readSnapshot(watched string) (time.Time, []byte, error) {
	for attempt := 1; ; attempt++ {
		before, data, err := readOnce(watched)
		if err != nil {
			return time.Time{}, nil, err
		}

		afterSnapshotRead(watched)

		after, err := os.Stat(watched)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("reading watched file: %w", err)
		}

		stable := after.ModTime().Equal(before.ModTime()) && after.Size() == int64(len(data))
		if stable || attempt == snapshotAttempts {
			return after.ModTime(), data, nil
		}
	}
}

func readOnce(watched string) (os.FileInfo, []byte, error) {
	f, err := os.Open(watched) //nolint:gosec // path is operator-supplied
	if err != nil {
		return nil, nil, fmt.Errorf("reading watched file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("reading watched file: %w", err)
	}

	if !info.Mode().IsRegular() {
		return nil, nil, fmt.Errorf("watched file %q is not a regular file", watched)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("reading watched file: %w", err)
	}

	return info, data, nil
}

// List returns entry names in container order.
func (s *Store) List() ([]string, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}

	return names, nil
}

// Entries returns every entry in container order.
func (s *Store) Entries() ([]Entry, error) {
	r, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	entries := make([]Entry, 0, len(r.File))
	for _, f := range r.File {
		entries = append(entries, newEntry(f))
	}

	return entries, nil
}

// Read returns the bytes stored under name.
func (s *Store) Read(name string) ([]byte, error) {
	r, err := s.open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	i := indexOf(r.File, name)
	if i < 0 {
		return nil, fmt.Errorf("%s in %s: %w", name, s.path, ErrNotFound)
	}

	return readFile(r.File[i])
}

// Walk calls fn for each entry in container order with a reader over the
// entry's bytes. The reader is only valid during the call. Walk stops at the
// first error returned by fn.
func (s *Store) Walk(fn func(Entry, io.Reader) error) error {
	r, err := s.open()
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if err := walkOne(f, fn); err != nil {
			return err
		}
	}

	return nil
}

func walkOne(f *zip.File, fn func(Entry, io.Reader) error) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	return fn(newEntry(f), rc)
}

// open opens the archive for reading; a missing archive is an error.
func (s *Store) open() (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %q: %w", s.path, err)
	}

	return r, nil
}

// openExisting opens the archive for appending; a missing archive yields nil.
func (s *Store) openExisting() (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("opening archive %q for append: %w", s.path, err)
	}

	return r, nil
}

// rewrite writes existing's entries plus the new one into a temp file and
// renames it over the archive. existing is closed before the rename.
func (s *Store) rewrite(existing *zip.ReadCloser, entry Entry, modTime time.Time, data []byte) (err error) {
	closeExisting := func() {
		if existing != nil {
			_ = existing.Close()
			existing = nil
		}
	}
	defer closeExisting()

	dir := filepath.Dir(s.path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp archive in %s: %w", dir, err)
	}

	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)

	if existing != nil {
		for _, f := range existing.File {
			if err = zw.Copy(f); err != nil {
				return fmt.Errorf("copying entry %s: %w", f.Name, err)
			}
		}
	}

	hdr := &zip.FileHeader{
		Name:     entry.Name,
		Method:   zip.Deflate,
		Modified: modTime,
	}
	hdr.SetMode(0o644)

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding entry %s: %w", entry.Name, err)
	}

	if _, err = w.Write(data); err != nil {
		return fmt.Errorf("writing entry %s: %w", entry.Name, err)
	}

	if err = zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing archive: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	if err = os.Chmod(tmpPath, 0o644); err != nil { //nolint:gosec // archives are not secret
		return fmt.Errorf("setting archive permissions: %w", err)
	}

	closeExisting()

	if err = os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing archive %q: %w", s.path, err)
	}

	return nil
}

func newEntry(f *zip.File) Entry {
	e := Entry{
		Name:           f.Name,
		Ext:            filepath.Ext(f.Name),
		Size:           f.UncompressedSize64,
		CompressedSize: f.CompressedSize64,
	}

	if ts, _, err := ParseEntryName(f.Name); err == nil {
		e.Timestamp = ts
	}

	return e
}

func indexOf(files []*zip.File, name string) int {
	for i, f := range files {
		if f.Name == name {
			return i
		}
	}

	return -1
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading entry %s: %w", f.Name, err)
	}

	return data, nil
}
