package commands

import (
	"context"
	"errors"

	"otwatch/internal/components/chrono"
	"otwatch/internal/tracker"

	"github.com/spf13/cobra"
)

const report_watch_run = "watch.run"

var watchImmediately *bool

func init() {
	watchImmediately = watchCmd.Flags().Bool("now", false, "Also run once right away instead of waiting for the first tick.")
	rootCmd.AddCommand(watchCmd)
}

// schedule registers cycle on spec. With now set the first cycle runs to
// completion before the job is registered, so no tick can start a second
// cycle on the same level map while it is still running.
func schedule(ctx context.Context, cronner chrono.CronAPI, spec string, now bool, cycle func()) error {
	if now {
		cycle()
		if ctx.Err() != nil {
			return nil
		}
	}
	return cronner.Cron(spec, cycle)
}

var watchCmd = &cobra.Command{
	Use:   "watch [--now]",
	Short: "Runs the scrape cycle on the configured cron schedule until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "otwatch-watch")
		if err != nil {
			return err
		}
		defer a.close()
		a.instrumentPerf(ctx)

		t, err := a.tracker(ctx)
		if err != nil {
			return err
		}

		run := func() {
			result, err := t.Run(ctx)
			if errors.Is(err, tracker.ErrNoPages) {
				a.tel.ReportBroken(report_watch_run, err)
				return
			}
			if result.PersistErr != nil {
				a.tel.ReportBroken(report_watch_run, result.PersistErr)
			}
			a.tel.ReportDebug("run finished", result.RunID)
		}

		// stopping waits for a running job, it has to happen before a.close
		cron := chrono.NewStandardCron(a.tel, a.clock)
		defer cron.Stop()
		err = schedule(ctx, cron, a.cfg.Watch.Cron, *watchImmediately, run)
		if err != nil {
			return err
		}

		<-ctx.Done()
		return nil
	},
}
