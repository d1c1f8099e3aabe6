package cli

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/config"
	"github.com/hupe1980/scadrec/internal/logging"
	"github.com/hupe1980/scadrec/internal/snapdiff"
)

type diffOptions struct {
	archive string
	context int
	stat    bool
}

func newDiffCommand() *cobra.Command {
	opts := &diffOptions{}

	cmd := &cobra.Command{
		Use:   "diff [old] [new]",
		Short: "Show a unified diff between two snapshots",
		Long: `Diff compares two archived snapshots line by line.

With no arguments the last two snapshots are compared. With one argument
the named snapshot is compared against the snapshot captured before it (the
first snapshot is compared against an empty file). With two arguments the
named snapshots are compared.`,
		Example: `  scadrec diff --archive part.zip
  scadrec diff --archive part.zip 0001700000000123.scad
  scadrec diff --archive part.zip 0001700000000123.scad 0001700000009999.scad`,
		Args:              cobra.MaximumNArgs(2),
		ValidArgsFunction: completeEntries(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd, args, opts)
		},
	}

	f := cmd.Flags()
	registerArchiveFlag(cmd, &opts.archive)
	f.IntVarP(&opts.context, "context", "U", snapdiff.DefaultOptions().Context, "number of context lines")
	f.BoolVar(&opts.stat, "stat", false, "print a change summary after the diff")

	return cmd
}

func runDiff(cmd *cobra.Command, args []string, opts *diffOptions) error {
	if err := requireFlag("archive", opts.archive); err != nil {
		return err
	}

	if opts.context < 0 {
		return configError(fmt.Errorf("--context must not be negative, got %d", opts.context))
	}

	ctx := cmd.Context()
	store := archive.NewStore(opts.archive, archive.WithLogger(logging.FromContext(ctx)))

	names, err := store.List()
	if err != nil {
		return runtimeError(err)
	}

	oldName, newName, err := resolveDiffPair(names, args)
	if err != nil {
		return configError(err)
	}

	var oldSrc []byte

	if oldName != "" {
		if oldSrc, err = store.Read(oldName); err != nil {
			return runtimeError(err)
		}
	}

	newSrc, err := store.Read(newName)
	if err != nil {
		return runtimeError(err)
	}

	diffOpts := snapdiff.Options{
		OldLabel: oldName,
		NewLabel: newName,
		Context:  opts.context,
	}

	if oldName == "" {
		diffOpts.OldLabel = "/dev/null"
	}

	result, err := snapdiff.Compute(oldSrc, newSrc, diffOpts)
	if err != nil {
		return runtimeError(err)
	}

	w := cmd.OutOrStdout()
	snapdiff.Write(w, result, useColor(config.FromContext(ctx), w))

	if opts.stat && result.HasDifferences {
		_, _ = fmt.Fprintln(w, result.Stat())
	}

	return nil
}

// resolveDiffPair picks the snapshots to compare. An empty old name stands
// for an empty file.
func resolveDiffPair(names, args []string) (oldName, newName string, err error) {
	for _, a := range args {
		if !slices.Contains(names, a) {
			return "", "", fmt.Errorf("%w: %s", archive.ErrNotFound, a)
		}
	}

	switch len(args) {
	case 2:
		return args[0], args[1], nil
	case 1:
		i := slices.Index(names, args[0])
		if i == 0 {
			return "", args[0], nil
		}

		return names[i-1], args[0], nil
	}

	if len(names) < 2 {
		return "", "", errors.New("archive holds fewer than two snapshots, name the entries to compare")
	}

	return names[len(names)-2], names[len(names)-1], nil
}
