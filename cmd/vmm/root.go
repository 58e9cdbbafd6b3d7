package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	debugLogging bool
	jsonLogging  bool
)

var rootCmd = &cobra.Command{
	Use:   "vmm",
	Short: "Boot Linux guests on the native hypervisor",
	Long: `vmm runs a Linux kernel in a virtual machine backed by KVM on Linux,
Hypervisor.framework on macOS or the Windows Hypervisor Platform, with
virtio block devices and a virtio console.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(newLogger())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogging, "log-json", false, "Log as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(mkinitramfsCmd)
	rootCmd.AddCommand(doctorCmd)
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debugLogging {
		opts.Level = slog.LevelDebug
	}
	if jsonLogging {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
