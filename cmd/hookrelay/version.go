package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "hookrelay by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
