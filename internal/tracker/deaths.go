package tracker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"otwatch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// MaxDeaths is the most death records a single page produces.
const MaxDeaths = 20

var deathPattern = regexp.MustCompile(`(?i)(.+?)\s+died\s+at\s+level\s+(\d+)\s+by\s+(.+?)\.?\s*$`)

// DeathLayout selects how rows of the deaths page are read.
type DeathLayout string

const (
	// LayoutFixed reads the time from cell 1 and the sentence from cell 2.
	LayoutFixed DeathLayout = "fixed"
	// LayoutScan looks for the sentence in any cell and takes the time from
	// the neighbouring cell.
	LayoutScan DeathLayout = "scan"
	// LayoutAuto tries the fixed layout on each row and scans it when the
	// fixed cell does not hold a sentence.
	LayoutAuto DeathLayout = "auto"
)

// ParseDeathLayout maps a config value to a layout, empty means LayoutAuto.
func ParseDeathLayout(s string) (DeathLayout, error) {
	switch DeathLayout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutAuto:
		return LayoutAuto, nil
	case LayoutFixed:
		return LayoutFixed, nil
	case LayoutScan:
		return LayoutScan, nil
	default:
		return "", fmt.Errorf("unknown death layout %q", s)
	}
}

// MatchDeath applies the death sentence pattern to text and returns the
// victim, level and killer it names. The pattern consumes at most one
// trailing period, so "by a rat.." yields "a rat."; NewDeathRecord strips
// the remaining one.
func MatchDeath(text string) (victim string, level int, killer string, ok bool) {
	m := deathPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", 0, "", false
	}
	level, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, "", false
	}
	return strings.TrimSpace(m[1]), level, strings.TrimSpace(m[3]), true
}

type deathParser struct {
	layout     DeathLayout
	observedAt time.Time
	records    []DeathRecord
}

func (p *deathParser) full() bool {
	return len(p.records) >= MaxDeaths
}

// fixedRow handles a row where cell 1 is the time and cell 2 the sentence.
func (p *deathParser) fixedRow(cells []*html.Node) bool {
	if len(cells) < 3 {
		return false
	}
	victim, level, killer, ok := MatchDeath(htmlutil.CellText(cells[2]))
	if !ok {
		return false
	}
	record, err := NewDeathRecord(victim, level, killer, htmlutil.CellText(cells[1]), p.observedAt)
	if err != nil {
		return false
	}
	p.records = append(p.records, record)
	return true
}

// scanRow takes the first cell of the row holding a sentence, deduplicated
// against every record accepted so far.
func (p *deathParser) scanRow(cells []*html.Node) bool {
	for i, cell := range cells {
		victim, level, killer, ok := MatchDeath(htmlutil.CellText(cell))
		if !ok {
			continue
		}

		occurredAt := Unknown
		if i > 0 {
			occurredAt = htmlutil.CellText(cells[i-1])
		} else if i+1 < len(cells) {
			occurredAt = htmlutil.CellText(cells[i+1])
		}

		record, err := NewDeathRecord(victim, level, killer, occurredAt, p.observedAt)
		if err != nil {
			continue
		}
		if !Admit(p.records, record) {
			return false
		}
		p.records = append(p.records, record)
		return true
	}
	return false
}

func (p *deathParser) row(cells []*html.Node) {
	switch p.layout {
	case LayoutFixed:
		p.fixedRow(cells)
	case LayoutScan:
		p.scanRow(cells)
	default:
		if !p.fixedRow(cells) {
			p.scanRow(cells)
		}
	}
}

// ParseDeaths extracts up to MaxDeaths records in document order. Tables are
// visited in order and parsing stops after the first table that produced at
// least one record.
func ParseDeaths(doc *goquery.Document, observedAt time.Time, layout DeathLayout) []DeathRecord {
	if doc == nil {
		return nil
	}

	p := &deathParser{layout: layout, observedAt: observedAt}
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		for _, row := range htmlutil.Rows(table) {
			if p.full() {
				break
			}
			p.row(htmlutil.Cells(row))
		}
		return len(p.records) == 0
	})

	return p.records
}
