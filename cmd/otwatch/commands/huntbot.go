package commands

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"otwatch/internal/huntbot"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const report_huntbot_run = "huntbot.run"

var (
	huntbotTokenEnv     *string
	huntbotRestartDelay *time.Duration
)

func init() {
	huntbotTokenEnv = huntbotCmd.Flags().String("token-env", "DISCORD_BOT_TOKEN", "The environment variable holding the bot token.")
	huntbotRestartDelay = huntbotCmd.Flags().Duration("restart-delay", 5*time.Second, "How long to wait before reconnecting after the bot fails.")
	rootCmd.AddCommand(huntbotCmd)
}

var huntbotCmd = &cobra.Command{
	Use:   "huntbot",
	Short: "Runs the discord bot that tracks claimed hunting spots, restarting it when it fails.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		token := os.Getenv(*huntbotTokenEnv)
		if token == "" {
			return errors.New(*huntbotTokenEnv + " is not set")
		}

		a, err := newApp(ctx, "otwatch-huntbot")
		if err != nil {
			return err
		}
		defer a.close()
		a.instrumentPerf(ctx)

		bot := huntbot.NewBot(huntbot.NewClaims(a.cfg.Huntbot.Spots), a.clock, a.tel)
		for {
			err := bot.Run(ctx, token)
			if ctx.Err() != nil {
				return nil
			}
			a.tel.ReportBroken(report_huntbot_run, err, "restarting in", huntbotRestartDelay.String())

			timer := time.NewTimer(*huntbotRestartDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	},
}
