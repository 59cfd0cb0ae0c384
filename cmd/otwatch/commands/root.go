package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath *string

var rootCmd = &cobra.Command{
	Use:   "otwatch",
	Short: "Watches the deaths and online players of an OT server world.",
	// errors are printed by ExecuteContext
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	configPath = rootCmd.PersistentFlags().String(
		"config",
		"otwatch.json5",
		"The config file, searched for from the working directory upwards.",
	)
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
