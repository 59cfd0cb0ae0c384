package commands

import (
	"io"
	"os"
	"sort"

	"otwatch/internal/tracker"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var levelsTop *int

func init() {
	levelsTop = levelsCmd.Flags().Int("top", 0, "Only show the N highest players, 0 shows everyone.")
	rootCmd.AddCommand(levelsCmd)
}

type levelEntry struct {
	name  string
	level int
}

// rankLevels orders by level, highest first, then by name.
func rankLevels(levels tracker.LevelMap, top int) []levelEntry {
	entries := make([]levelEntry, 0, len(levels))
	for name, level := range levels {
		entries = append(entries, levelEntry{name: name, level: level})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].level != entries[j].level {
			return entries[i].level > entries[j].level
		}
		return entries[i].name < entries[j].name
	})
	if top > 0 && top < len(entries) {
		entries = entries[:top]
	}
	return entries
}

func printLevels(out io.Writer, entries []levelEntry, total int) {
	t := newTable(out)
	t.AppendHeader(table.Row{"#", "Player", "Level"})
	for i, e := range entries {
		t.AppendRow(table.Row{i + 1, e.name, e.level})
	}
	t.AppendFooter(table.Row{"", "players", total})
	t.Render()
}

var levelsCmd = &cobra.Command{
	Use:   "levels [--top N]",
	Short: "Prints the stored level map.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "otwatch-levels")
		if err != nil {
			return err
		}
		defer a.close()

		levels, err := a.levelBackend().Load(ctx)
		if err != nil {
			return err
		}
		printLevels(os.Stdout, rankLevels(levels, *levelsTop), len(levels))
		return nil
	},
}
