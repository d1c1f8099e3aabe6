package cli

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/archive"
	"github.com/hupe1980/scadrec/internal/logging"
)

func newCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion <shell>",
		Short: "Generate shell completion scripts",
		Long: `Generate a shell completion script for scadrec.

Besides subcommands and flags, the scripts complete:
  --archive   zip files
  --images    directories
  cat, diff   snapshot names read from the archive given with --archive,
              plus "latest" for cat

Load the script once per session:

  bash        source <(scadrec completion bash)
  zsh         source <(scadrec completion zsh)
  fish        scadrec completion fish | source
  powershell  scadrec completion powershell | Out-String | Invoke-Expression

or install it permanently, for example:

  scadrec completion bash > /etc/bash_completion.d/scadrec
  scadrec completion zsh > "${fpath[1]}/_scadrec"
  scadrec completion fish > ~/.config/fish/completions/scadrec.fish`,
		Example: `  scadrec cat --archive part.zip <TAB>
  scadrec diff --archive part.zip 00017<TAB>`,
		// Override parent PersistentPreRunE: completion needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Args:              cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs:         []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()

			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(w, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(w)
			case "fish":
				return cmd.Root().GenFishCompletion(w, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(w)
			}

			return nil
		},
	}

	return cmd
}

// completeEntries completes up to maxArgs positional arguments with the
// snapshot names stored in the archive named by --archive. extra candidates
// such as "latest" are offered before the names.
func completeEntries(maxArgs int, extra ...string) cobra.CompletionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]cobra.Completion, cobra.ShellCompDirective) {
		if len(args) >= maxArgs {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		path, _ := cmd.Flags().GetString("archive")
		if path == "" {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		names, err := archive.NewStore(path, archive.WithLogger(logging.Discard())).List()
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}

		var out []cobra.Completion

		for _, name := range slices.Concat(extra, names) {
			if strings.HasPrefix(name, toComplete) && !slices.Contains(args, name) {
				out = append(out, name)
			}
		}

		return out, cobra.ShellCompDirectiveNoFileComp
	}
}
