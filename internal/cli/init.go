package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctdl/dget/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively configure dget's defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.RunInitWizard()
		if err != nil {
			return err
		}
		if err := config.Save(cfg); err != nil {
			return err
		}
		fmt.Printf("\nSaved %s\n", config.SavePath())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
