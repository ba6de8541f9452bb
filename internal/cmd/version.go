package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the tinypg release version, overridable at build time with
// -ldflags "-X github.com/tinypg/tinypg/internal/cmd.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tinypg version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tinypg %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
