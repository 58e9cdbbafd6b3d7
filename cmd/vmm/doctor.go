package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmm/internal/hv/factory"
	"github.com/tinyrange/vmm/internal/vcpu"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that a hypervisor backend is usable on this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "host:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "backend:  %s\n", factory.Backend())

		hyp, err := factory.Open()
		if err != nil {
			fmt.Fprintf(out, "status:   unavailable\n")
			return exitWith(err, vcpu.StopNone)
		}
		defer hyp.Close()

		fmt.Fprintf(out, "status:   ok\n")
		fmt.Fprintf(out, "arch:     %s\n", hyp.Architecture())
		fmt.Fprintf(out, "max cpus: %d\n", hyp.MaxCPUs())
		return nil
	},
}
