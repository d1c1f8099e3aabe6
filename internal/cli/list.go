package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/logging"
	"github.com/hupe1980/scadrec/internal/output"
)

type listOptions struct {
	archive string
	format  string
	long    bool
}

func newListCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the snapshots stored in an archive",
		Long: `List prints the archive's entry names one per line, in the order they
were captured.

Use --long for capture times and sizes, or --format json|yaml for
machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, opts)
		},
	}

	f := cmd.Flags()
	registerArchiveFlag(cmd, &opts.archive)
	f.StringVarP(&opts.format, "format", "o", "text", "output format: "+output.DefaultRegistry().AvailableFormats())
	f.BoolVarP(&opts.long, "long", "l", false, "show capture time and sizes (text format)")

	return cmd
}

func runList(cmd *cobra.Command, opts *listOptions) error {
	if err := requireFlag("archive", opts.archive); err != nil {
		return err
	}

	format, err := output.DefaultRegistry().Formatter(opts.format)
	if err != nil {
		return configError(err)
	}

	store := archive.NewStore(opts.archive, archive.WithLogger(logging.FromContext(cmd.Context())))

	entries, err := store.Entries()
	if err != nil {
		return runtimeError(err)
	}

	if err := format(cmd.OutOrStdout(), entries, output.Options{Long: opts.long}); err != nil {
		return runtimeError(fmt.Errorf("writing entry list: %w", err))
	}

	return nil
}
