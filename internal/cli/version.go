package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// appVersion is stamped at build time via -ldflags; "dev" otherwise.
var appVersion = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dget version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("dget %s\n", appVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
