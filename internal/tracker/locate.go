package tracker

import (
	"strconv"

	"otwatch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

// TableKind names a table the locator knows how to recognize.
type TableKind int

const (
	TableRoster TableKind = iota
)

func (k TableKind) String() string {
	switch k {
	case TableRoster:
		return "roster"
	default:
		return "unknown"
	}
}

// tablePredicate decides whether a table has the shape of a given kind.
type tablePredicate func(table *goquery.Selection) bool

var tablePredicates = map[TableKind]tablePredicate{
	TableRoster: isRosterTable,
}

// isRosterTable accepts a table whose first data row has at least 3 cells
// and a whole number in the second one (the level column).
func isRosterTable(table *goquery.Selection) bool {
	rows := htmlutil.Rows(table)
	if len(rows) < 2 {
		return false
	}
	cells := htmlutil.Cells(rows[1])
	if len(cells) < 3 {
		return false
	}
	level, err := strconv.Atoi(htmlutil.CellText(cells[1]))
	return err == nil && level >= 0
}

// Locate returns the first table in document order that looks like the
// given kind. The site has no stable ids or classes on its tables, so a
// missing table is a normal outcome and not an error.
func Locate(doc *goquery.Document, kind TableKind) (*goquery.Selection, bool) {
	predicate, ok := tablePredicates[kind]
	if !ok || doc == nil {
		return nil, false
	}

	var found *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		if predicate(table) {
			found = table
			return false
		}
		return true
	})
	return found, found != nil
}
