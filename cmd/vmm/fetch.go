package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/image"
	"github.com/tinyrange/vmm/internal/vcpu"
)

var fetchFlags struct {
	arch     string
	cacheDir string
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <distribution|url|path>",
	Short: "Download and stage a disk image",
	Long: fmt.Sprintf(`Stage a disk image into the cache and print its path.

Known distributions: %s`, strings.Join(image.Distros(), ", ")),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arch, err := hv.ParseArchitecture(fetchFlags.arch)
		if err != nil {
			return err
		}
		stager, err := image.NewStager(fetchFlags.cacheDir,
			image.WithArchitecture(arch),
			image.WithProgress(true))
		if err != nil {
			return exitWith(fmt.Errorf("%w: %w", image.ErrFetch, err), vcpu.StopNone)
		}
		path, err := stager.Stage(cmd.Context(), args[0])
		if err != nil {
			return exitWith(err, vcpu.StopNone)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchFlags.arch, "arch", runtime.GOARCH, "Image architecture (amd64, arm64)")
	fetchCmd.Flags().StringVar(&fetchFlags.cacheDir, "cache-dir", "", "Image cache directory")
}
