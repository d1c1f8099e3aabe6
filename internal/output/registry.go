package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/scadrec/internal/archive"
)

// Options tunes a Formatter. Formats that cannot honour an option ignore it.
type Options struct {
	// Long adds capture time and sizes to the text format.
	Long bool
}

// Formatter writes entries to w.
type Formatter func(w io.Writer, entries []archive.Entry, opts Options) error

// Registry maps format names to Formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[string]Formatter
}

// NewRegistry creates an empty formatter registry.
func NewRegistry() *Registry {
	return &Registry{
		formatters: make(map[string]Formatter),
	}
}

// Register adds a formatter under the given format name.
// Existing entries for the same name are overwritten.
func (r *Registry) Register(name string, f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.formatters[name] = f
}

// Formatter returns the formatter for the given format, or an error if not found.
func (r *Registry) Formatter(name string) (Formatter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.formatters[name]
	if !ok {
		return nil, fmt.Errorf("unknown output format %q (available: %s)", name, r.availableLocked())
	}

	return f, nil
}

// Formats returns the sorted list of registered format names.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.formatsLocked()
}

// AvailableFormats returns a comma-separated string of registered format names.
func (r *Registry) AvailableFormats() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.availableLocked()
}

func (r *Registry) formatsLocked() []string {
	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *Registry) availableLocked() string {
	formats := r.formatsLocked()
	if len(formats) == 0 {
		return "none"
	}

	return strings.Join(formats, ", ")
}

// DefaultRegistry returns a registry pre-populated with the built-in
// formats: text, json, yaml.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("text", Text)
	r.Register("json", JSON)
	r.Register("yaml", YAML)

	return r
}

// Text writes one entry name per line, or a table with capture time and
// sizes when opts.Long is set.
func Text(w io.Writer, entries []archive.Entry, opts Options) error {
	if !opts.Long {
		for _, e := range entries {
			if _, err := fmt.Fprintln(w, e.Name); err != nil {
				return err
			}
		}

		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tCAPTURED\tSIZE\tCOMPRESSED")

	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			e.Name,
			e.Timestamp.Local().Format("2006-01-02 15:04:05.000"),
			humanize.Bytes(e.Size),
			humanize.Bytes(e.CompressedSize),
		)
	}

	return tw.Flush()
}

// JSON writes entries as an indented JSON array.
func JSON(w io.Writer, entries []archive.Entry, _ Options) error {
	if entries == nil {
		entries = []archive.Entry{}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(entries)
}

// YAML writes entries as a YAML sequence.
func YAML(w io.Writer, entries []archive.Entry, _ Options) error {
	if entries == nil {
		entries = []archive.Entry{}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(entries); err != nil {
		return err
	}

	return enc.Close()
}
