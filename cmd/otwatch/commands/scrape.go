package commands

import (
	"fmt"
	"io"
	"os"

	"otwatch/internal/tracker"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scrapeCmd)
}

func newTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	return t
}

func fetched(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func printResult(out io.Writer, result tracker.Result) {
	if len(result.Deaths) > 0 {
		t := newTable(out)
		t.SetTitle("Deaths")
		t.AppendHeader(table.Row{"Time", "Victim", "Level", "Killer"})
		for _, death := range result.Deaths {
			t.AppendRow(table.Row{death.OccurredAt, death.Victim, death.Level, death.Killer})
		}
		t.Render()
	}

	if len(result.LevelUps) > 0 {
		t := newTable(out)
		t.SetTitle("Level ups")
		t.AppendHeader(table.Row{"Player", "Vocation", "From", "To", "Gain"})
		for _, e := range result.LevelUps {
			t.AppendRow(table.Row{e.Player, e.Vocation, e.PreviousLevel, e.NewLevel, e.Gain})
		}
		t.Render()
	}

	t := newTable(out)
	t.SetTitle("Run " + result.RunID)
	t.AppendHeader(table.Row{"Page", "Status", "Records"})
	t.AppendRow(table.Row{"deaths", fetched(result.DeathsFetched), len(result.Deaths)})
	t.AppendRow(table.Row{"roster", fetched(result.RosterFetched), len(result.Players)})
	t.AppendFooter(table.Row{"level ups", "", len(result.LevelUps)})
	t.Render()

	if result.PersistErr != nil {
		fmt.Fprintln(out, "some results could not be saved:", result.PersistErr)
	}
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Runs a single fetch, parse, diff and persist cycle and prints what it found.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "otwatch-scrape")
		if err != nil {
			return err
		}
		defer a.close()

		t, err := a.tracker(ctx)
		if err != nil {
			return err
		}

		result, err := t.Run(ctx)
		printResult(os.Stdout, result)
		return err
	},
}
