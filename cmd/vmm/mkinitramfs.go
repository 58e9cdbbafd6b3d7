package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyrange/vmm/internal/initramfs"
)

var mkinitramfsFlags struct {
	output string
	gzip   bool
}

var mkinitramfsCmd = &cobra.Command{
	Use:   "mkinitramfs <dir>",
	Short: "Pack a directory into an initramfs for --initrd",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Create(mkinitramfsFlags.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		if err := initramfs.Build(f, args[0], mkinitramfsFlags.gzip); err != nil {
			f.Close()
			os.Remove(mkinitramfsFlags.output)
			return err
		}
		return f.Close()
	},
}

func init() {
	mkinitramfsCmd.Flags().StringVarP(&mkinitramfsFlags.output, "output", "o", "initramfs.cpio", "Output file")
	mkinitramfsCmd.Flags().BoolVar(&mkinitramfsFlags.gzip, "gzip", false, "Compress the archive with gzip")
}
