package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "redax",
	Short: "redax is a multi-board digitizer readout host",
	Long: `redax reads triggered event blocks off one or more digitizer
boards, decodes them into per-channel fragments, and writes them out as
time-chunked, compressed files.`,
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
