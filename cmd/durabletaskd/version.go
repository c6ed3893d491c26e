package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of durabletaskd",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("durabletaskd version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
