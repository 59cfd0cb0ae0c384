package tracker

import (
	"strconv"
	"time"

	"otwatch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// ParseRoster reads name, level and vocation from every row of table after
// the header, each cell trimmed and otherwise kept as printed. Rows that are too short or have an empty name or a level that
// is not a positive integer are skipped.
func ParseRoster(table *goquery.Selection, observedAt time.Time) []PlayerRecord {
	if table == nil {
		return nil
	}

	rows := htmlutil.Rows(table)
	if len(rows) < 2 {
		return nil
	}

	var players []PlayerRecord
	for _, row := range rows[1:] {
		cells := htmlutil.Cells(row)
		if len(cells) < 3 {
			continue
		}
		level, err := strconv.Atoi(htmlutil.CellText(cells[1]))
		if err != nil {
			continue
		}
		player, err := NewPlayerRecord(
			htmlutil.CellText(cells[0]),
			level,
			htmlutil.CellText(cells[2]),
			observedAt,
		)
		if err != nil {
			continue
		}
		players = append(players, player)
	}
	return players
}
