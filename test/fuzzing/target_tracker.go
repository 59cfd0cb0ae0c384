package fuzzing

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"otwatch/internal/components/telemetry"
	"otwatch/internal/snapshot"
	"otwatch/internal/tracker"
	testutil "otwatch/test/util"
)

// steps:
// - Login: a new or returning player shows up online at a random level
// - Logout: a random online player leaves
// - Train: a random online player gains 1 to 5 levels
// - Die: a random online player dies, goes on the latest deaths list and
//   loses 1 to 3 levels
// - AddTime: the clock moves forward
// - BreakSite: the next run fails to fetch one or both pages
// - CorruptLevels: the stored level map gets overwritten with garbage
// - Run: a full tracker run against the simulated site

// properties of the system:
// - a run reports exactly the players online, once each
// - a level up is reported for a player iff they were stored at a strictly
//   lower level, with the gain between the two
// - after a run the stored level map holds every player ever seen at their
//   last seen level
// - the deaths of a run are the newest deaths of the site, in order, at most
//   tracker.MaxDeaths of them
// - a run with neither page available fails with tracker.ErrNoPages and
//   leaves the stored level map as it was

var (
	vocations = []string{"Knight", "Elite Knight", "Paladin", "Royal Paladin", "Sorcerer", "Master Sorcerer", "Druid", "Elder Druid", "None"}
	killers   = []string{"a dragon lord", "a demon", "an elf scout", "Ferumbras", "a hydra", "Morgaroth"}
)

const siteDeathsLimit = 30

type onlinePlayer struct {
	level    int
	vocation string
}

type siteDeath struct {
	victim string
	level  int
	killer string
	time   string
}

type trackerTarget struct {
	tel      telemetry.API
	rndm     *rand.Rand
	timeshim *timeShim
	dir      string
	backend  string

	levelsPath string
	tracker    *tracker.Tracker
	store      snapshot.Store
	closers    []func() error

	online     map[string]onlinePlayer
	deaths     []siteDeath
	failDeaths bool
	failRoster bool

	// model is the level map the store should hold.
	model map[string]int

	runs   int
	failed int
}

type TrackerProvider struct{}

func (TrackerProvider) CreateTarget(tel telemetry.API, rndm *rand.Rand) (Target, error) {
	dir, err := os.MkdirTemp("", "otwatch-fuzz-*")
	if err != nil {
		return nil, err
	}

	t := &trackerTarget{
		tel:      tel,
		rndm:     rndm,
		timeshim: newTimeShim(rndm),
		dir:      dir,
		online:   map[string]onlinePlayer{},
		model:    map[string]int{},
	}

	var levels snapshot.LevelBackend
	if rndm.Intn(2) == 0 {
		t.backend = "json"
		t.levelsPath = filepath.Join(dir, "levels.json")
		levels = snapshot.JSONLevels{Path: t.levelsPath}
	} else {
		t.backend = "sqlite"
		t.levelsPath = filepath.Join(dir, "levels.db")
		sqlite := snapshot.NewSQLiteLevels(t.levelsPath)
		t.closers = append(t.closers, sqlite.Close)
		levels = sqlite
	}

	t.store = snapshot.NewStore(snapshot.Options{
		Dir:     dir,
		Prefix:  "fuzz",
		World:   "Mystian",
		Scraper: "fuzzer",
	}, levels, telemetry.NoopAPI{})

	t.tracker = tracker.NewTracker(tracker.Options{
		BaseURL:    "https://ot.test/",
		World:      "Mystian",
		DeathsPath: "?subtopic=latestdeaths",
		RosterPath: "?subtopic=worlds&world={world}",
	}, t, t.store, telemetry.NoopAPI{}, t.timeshim)

	return t, nil
}

// Fetch serves the simulated site.
func (t *trackerTarget) Fetch(_ context.Context, req tracker.Request) ([]byte, error) {
	if strings.Contains(req.URL, "latestdeaths") {
		if t.failDeaths {
			return nil, errors.New("503 Service Unavailable")
		}
		return []byte(t.deathsPage()), nil
	}
	if t.failRoster {
		return nil, errors.New("522 Connection Timed Out")
	}
	return []byte(t.rosterPage()), nil
}

func (t *trackerTarget) deathsPage() string {
	var page strings.Builder
	page.WriteString("<html><body><table>\n")
	for i, d := range t.deaths {
		fmt.Fprintf(
			&page,
			"<tr><td>%d</td><td>%s</td><td>%s died at level %d by %s.</td></tr>\n",
			i+1, d.time, html.EscapeString(d.victim), d.level, html.EscapeString(d.killer),
		)
	}
	page.WriteString("</table></body></html>")
	return page.String()
}

func (t *trackerTarget) onlineNames() []string {
	names := make([]string, 0, len(t.online))
	for name := range t.online {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *trackerTarget) rosterPage() string {
	var page strings.Builder
	page.WriteString("<html><body><table>\n<tr><th>Name</th><th>Level</th><th>Vocation</th></tr>\n")
	for _, name := range t.onlineNames() {
		p := t.online[name]
		fmt.Fprintf(
			&page,
			"<tr><td>%s</td><td>%d</td><td>%s</td></tr>\n",
			html.EscapeString(name), p.level, p.vocation,
		)
	}
	page.WriteString("</table></body></html>")
	return page.String()
}

func (t *trackerTarget) randomOnline() (string, bool) {
	names := t.onlineNames()
	if len(names) == 0 {
		return "", false
	}
	return names[t.rndm.Intn(len(names))], true
}

func (t *trackerTarget) StepLogin(ctx context.Context, res *Results) error {
	name := testutil.RandomPlayerName(t.rndm)
	p := onlinePlayer{
		level:    1 + t.rndm.Intn(800),
		vocation: vocations[t.rndm.Intn(len(vocations))],
	}
	t.online[name] = p
	t.tel.ReportDebug("+ online", name, p.level)
	return nil
}

func (t *trackerTarget) StepLogout(ctx context.Context, res *Results) error {
	name, ok := t.randomOnline()
	if !ok {
		return nil
	}
	delete(t.online, name)
	t.tel.ReportDebug("- online", name)
	return nil
}

func (t *trackerTarget) StepTrain(ctx context.Context, res *Results) error {
	name, ok := t.randomOnline()
	if !ok {
		return nil
	}
	p := t.online[name]
	p.level += 1 + t.rndm.Intn(5)
	t.online[name] = p
	t.tel.ReportDebug("+ level", name, p.level)
	return nil
}

func (t *trackerTarget) StepDie(ctx context.Context, res *Results) error {
	name, ok := t.randomOnline()
	if !ok {
		return nil
	}
	p := t.online[name]
	death := siteDeath{
		victim: name,
		level:  p.level,
		killer: killers[t.rndm.Intn(len(killers))],
		time:   t.timeshim.Now().Format("02.01.2006 15:04:05"),
	}
	t.deaths = append([]siteDeath{death}, t.deaths...)
	if len(t.deaths) > siteDeathsLimit {
		t.deaths = t.deaths[:siteDeathsLimit]
	}

	p.level = max(1, p.level-(1+t.rndm.Intn(3)))
	t.online[name] = p
	t.tel.ReportDebug("x death", name, death.level, death.killer)
	return nil
}

func (t *trackerTarget) StepAddTime(ctx context.Context, res *Results) error {
	added := t.timeshim.advance()
	t.tel.ReportDebug("+ time", telemetry.KV{Key: "added", Value: added.String()})
	return nil
}

func (t *trackerTarget) StepBreakSite(ctx context.Context, res *Results) error {
	switch t.rndm.Intn(3) {
	case 0:
		t.failDeaths = true
	case 1:
		t.failRoster = true
	default:
		t.failDeaths = true
		t.failRoster = true
	}
	t.tel.ReportDebug("! site broken", t.failDeaths, t.failRoster)
	return nil
}

func (t *trackerTarget) StepCorruptLevels(ctx context.Context, res *Results) error {
	if t.backend != "json" {
		return nil
	}
	err := os.WriteFile(t.levelsPath, []byte(`{"Eldin": "one hundred"`), 0644)
	if err != nil {
		return err
	}
	// an unreadable map loads as an empty one
	t.model = map[string]int{}
	t.tel.ReportDebug("! level map corrupted")
	return nil
}

func (t *trackerTarget) StepRun(ctx context.Context, res *Results) error {
	failDeaths, failRoster := t.failDeaths, t.failRoster
	t.failDeaths, t.failRoster = false, false
	t.runs++

	result, err := t.tracker.Run(ctx)
	if result.PersistErr != nil {
		return result.PersistErr
	}

	if failDeaths && failRoster {
		t.failed++
		if !errors.Is(err, tracker.ErrNoPages) {
			res.Fail(fmt.Errorf("run.no-pages: expected ErrNoPages with both pages down, got %v", err))
		}
		t.checkStored(ctx, res)
		return nil
	}
	if err != nil {
		res.Fail(fmt.Errorf("run.error: unexpected error with a page up: %w", err))
		return nil
	}

	if !failDeaths {
		t.checkDeaths(result.Deaths, res)
	} else if len(result.Deaths) > 0 {
		res.Fail(fmt.Errorf("run.deaths-down: got %d deaths from a failed page", len(result.Deaths)))
	}

	expectedEvents := map[string]int{}
	if !failRoster {
		if len(result.Players) != len(t.online) {
			res.Fail(fmt.Errorf("run.players: got %d players, %d are online", len(result.Players), len(t.online)))
		}
		for _, player := range result.Players {
			online, ok := t.online[player.Name]
			if !ok || online.level != player.Level {
				res.Fail(fmt.Errorf("run.players: %q at %d is not online at that level", player.Name, player.Level))
			}
		}
		for name, p := range t.online {
			previous, known := t.model[name]
			if known && previous < p.level {
				expectedEvents[name] = p.level - previous
			}
			t.model[name] = p.level
		}
	}

	if len(result.LevelUps) != len(expectedEvents) {
		res.Fail(fmt.Errorf("run.levelups: got %d level ups, expected %d", len(result.LevelUps), len(expectedEvents)))
	}
	for _, event := range result.LevelUps {
		gain, ok := expectedEvents[event.Player]
		if !ok || event.Gain != gain || event.NewLevel-event.PreviousLevel != gain {
			res.Fail(fmt.Errorf("run.levelups: unexpected %s %d -> %d", event.Player, event.PreviousLevel, event.NewLevel))
		}
	}

	t.checkStored(ctx, res)

	players, err := snapshot.ReadDocument[tracker.PlayerRecord](t.store.DocumentPath("players"))
	if err != nil {
		res.Fail(fmt.Errorf("run.documents: %w", err))
	} else if players.RunID != result.RunID || len(players.Data) != len(result.Players) {
		res.Fail(fmt.Errorf("run.documents: players document does not match run %s", result.RunID))
	}
	return nil
}

func (t *trackerTarget) checkDeaths(got []tracker.DeathRecord, res *Results) {
	expected := t.deaths
	if len(expected) > tracker.MaxDeaths {
		expected = expected[:tracker.MaxDeaths]
	}
	if len(got) != len(expected) {
		res.Fail(fmt.Errorf("run.deaths: got %d deaths, the site lists %d", len(got), len(expected)))
		return
	}
	for i, d := range expected {
		g := got[i]
		if g.Victim != d.victim || g.Level != d.level || g.Killer != d.killer || g.OccurredAt != d.time {
			res.Fail(fmt.Errorf("run.deaths: row %d is %s/%d/%s/%s, expected %+v", i, g.Victim, g.Level, g.Killer, g.OccurredAt, d))
		}
	}
}

func (t *trackerTarget) checkStored(ctx context.Context, res *Results) {
	stored := t.store.LoadLevelMap(ctx)
	if len(stored) != len(t.model) {
		res.Fail(fmt.Errorf("store.levels: stored %d players, expected %d", len(stored), len(t.model)))
		return
	}
	for name, level := range t.model {
		if stored[name] != level {
			res.Fail(fmt.Errorf("store.levels: %q stored at %d, expected %d", name, stored[name], level))
		}
	}
}

func (t *trackerTarget) OnEnd(ctx context.Context, res *Results) {
	for _, closeFn := range t.closers {
		err := closeFn()
		if err != nil {
			res.Fail(fmt.Errorf("close: %w", err))
		}
	}
	os.RemoveAll(t.dir)
	t.tel.ReportDebug("runs", telemetry.KV{Key: "total", Value: t.runs}, telemetry.KV{Key: "no_pages", Value: t.failed})
}
