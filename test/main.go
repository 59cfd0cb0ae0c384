package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otwatch/internal/components/telemetry"
	"otwatch/test/fuzzing"

	"github.com/spf13/cobra"
)

var tel = telemetry.NewSlogAPI(os.Stderr, "debug")

var targets = map[string]fuzzing.TargetProvider{
	"tracker": fuzzing.TrackerProvider{},
	"claims":  fuzzing.ClaimsProvider{},
}

var (
	fuzzPath     *string
	fuzzMinSteps *uint64
	fuzzMaxSteps *uint64
	fuzzDuration *time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "otwatch-test",
	Short: "The otwatch test runner.",
}

var fuzzCmd = &cobra.Command{
	Use:       "fuzz <tracker|claims> [--path seed:steps]",
	Short:     "Explores random step sequences on a target until an invariant breaks.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"tracker", "claims"},
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, ok := targets[args[0]]
		if !ok {
			return fmt.Errorf("unknown fuzz target %q", args[0])
		}

		f, err := fuzzing.New(tel, provider, *fuzzMinSteps, *fuzzMaxSteps)
		if err != nil {
			return err
		}

		if *fuzzPath != "" {
			path, err := fuzzing.ParsePath(*fuzzPath)
			if err != nil {
				return err
			}
			results, err := f.Run(cmd.Context(), path)
			if err != nil {
				return err
			}
			for _, failure := range results.Failures() {
				fmt.Println(failure)
			}
			if len(results.Failures()) > 0 {
				return fmt.Errorf("%d checks failed", len(results.Failures()))
			}
			tel.ReportDebug("no failures")
			return nil
		}

		ctx := cmd.Context()
		if *fuzzDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *fuzzDuration)
			defer cancel()
		}
		return f.Explore(ctx)
	},
}

func init() {
	fuzzPath = fuzzCmd.Flags().StringP("path", "p", "", "replay a fuzzer with a given fuzzing path")
	fuzzMinSteps = fuzzCmd.Flags().Uint64("min-steps", 10, "the minimum amount of steps that must be executed on any given fuzz target")
	fuzzMaxSteps = fuzzCmd.Flags().Uint64("max-steps", 100, "the maximum amount of steps that can be executed on any given fuzz target")
	fuzzDuration = fuzzCmd.Flags().Duration("duration", 0, "stop exploring after this long, 0 runs until interrupted")
	rootCmd.AddCommand(fuzzCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		tel.ReportBroken("exec", err)
		stop()
		os.Exit(1)
	}
}
