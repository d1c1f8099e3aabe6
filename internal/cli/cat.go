package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/logging"
)

func newCatCommand() *cobra.Command {
	var archivePath string

	cmd := &cobra.Command{
		Use:   "cat <entry>",
		Short: "Write one snapshot to stdout",
		Example: `  scadrec cat --archive part.zip 0001700000000123.scad > restored.scad
  scadrec cat --archive part.zip latest`,
		Long: `Cat writes the bytes of a single archived snapshot to stdout. The entry
name "latest" selects the most recent snapshot.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeEntries(1, "latest"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireFlag("archive", archivePath); err != nil {
				return err
			}

			store := archive.NewStore(archivePath, archive.WithLogger(logging.FromContext(cmd.Context())))

			name := args[0]
			if name == "latest" {
				names, err := store.List()
				if err != nil {
					return runtimeError(err)
				}

				if len(names) == 0 {
					return runtimeError(errors.New("archive holds no snapshots"))
				}

				name = names[len(names)-1]
			}

			data, err := store.Read(name)
			if err != nil {
				if errors.Is(err, archive.ErrNotFound) {
					return configError(err)
				}

				return runtimeError(err)
			}

			if _, err := cmd.OutOrStdout().Write(data); err != nil {
				return runtimeError(fmt.Errorf("writing snapshot: %w", err))
			}

			return nil
		},
	}

	registerArchiveFlag(cmd, &archivePath)

	return cmd
}
