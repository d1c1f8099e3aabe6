package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/hupe1980/scadrec/internal/config"
)

// registerArchiveFlag adds the --archive/-a flag shared by every command that
// reads or writes a snapshot archive.
func registerArchiveFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "archive", "a", "", "path to the snapshot archive (zip)")
	_ = cmd.MarkFlagFilename("archive", "zip")
}

// registerRenderFlags adds the renderer flags of the export command. They are
// bound to the config keys of the same name.
func registerRenderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("renderer-bin", config.DefaultRendererBin, "renderer executable")
	f.String("renderer-args", config.DefaultRendererArgs, "extra renderer arguments, split with shell-word rules")
	f.String("renderer-min-version", "", "semver constraint the renderer version must satisfy, e.g. \">= 2021.1\"")
	f.Duration("render-timeout", config.DefaultRenderTimeout, "per-snapshot render timeout (0 disables)")
	f.String("scratch-dir", "", "parent directory of the scratch workspace (default: OS temp dir)")
}

// registerAnimationFlags adds the frame timing flags of the build command.
func registerAnimationFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("frame-delay", config.DefaultFrameDelay, "display time of every frame but the last")
	f.Duration("final-delay", config.DefaultFinalDelay, "display time of the last frame")
}

// requireFlag returns a configuration error when value is empty.
func requireFlag(name, value string) error {
	if value == "" {
		return configError(fmt.Errorf("--%s is required", name))
	}

	return nil
}

// requireDir returns a configuration error unless path is an existing directory.
func requireDir(flag, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return configError(fmt.Errorf("--%s: directory %s does not exist", flag, path))
	}

	if !info.IsDir() {
		return configError(fmt.Errorf("--%s: %s is not a directory", flag, path))
	}

	return nil
}

// useColor reports whether ANSI colours should be written to w.
func useColor(cfg *config.Config, w io.Writer) bool {
	if cfg.NoColor {
		return false
	}

	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
