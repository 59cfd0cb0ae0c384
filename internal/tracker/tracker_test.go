package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"otwatch/internal/components/chrono"
	"otwatch/internal/components/telemetry"

	"github.com/stretchr/testify/require"
)

const (
	testBase      = "https://ot.example/"
	testDeathsURL = "https://ot.example/?subtopic=latestdeaths"
	testRosterURL = "https://ot.example/?subtopic=worlds&world=Mystian"
)

type fakePage struct {
	body string
	err  error
}

type fakeFetcher struct {
	mutex    sync.Mutex
	pages    map[string]fakePage
	requests []Request
}

func (f *fakeFetcher) Fetch(_ context.Context, req Request) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.requests = append(f.requests, req)

	page, ok := f.pages[req.Method+" "+req.URL]
	if !ok {
		return nil, fmt.Errorf("unexpected request %s", req)
	}
	if page.err != nil {
		return nil, page.err
	}
	return []byte(page.body), nil
}

type memoryStore struct {
	levels     LevelMap
	snapshots  []Snapshot
	savedMaps  []LevelMap
	saveErr    error
	resultsErr error
}

func (m *memoryStore) LoadLevelMap(context.Context) LevelMap {
	return m.levels.Clone()
}

func (m *memoryStore) SaveLevelMap(_ context.Context, levels LevelMap) error {
	m.savedMaps = append(m.savedMaps, levels.Clone())
	if m.saveErr != nil {
		return m.saveErr
	}
	m.levels = levels.Clone()
	return nil
}

func (m *memoryStore) SaveResults(_ context.Context, snapshot Snapshot) error {
	if m.resultsErr != nil {
		return m.resultsErr
	}
	m.snapshots = append(m.snapshots, snapshot)
	return nil
}

type rotatorFunc func(ctx context.Context) error

func (f rotatorFunc) Rotate(ctx context.Context) error {
	return f(ctx)
}

type fixedRandom int64

func (f fixedRandom) Int63n(n int64) int64 {
	if int64(f) >= n {
		return n - 1
	}
	return int64(f)
}

const deathsPage = `<table>
	<tr><td>1</td><td>18:01</td><td>Eldin died at level 132 by a dragon.</td></tr>
	<tr><td>2</td><td>17:55</td><td>Mia died at level 40 by Bob.</td></tr>
</table>`

const rosterPage = `<table>
	<tr><th>Name</th><th>Level</th><th>Vocation</th></tr>
	<tr><td>Bob</td><td>55</td><td>Knight</td></tr>
	<tr><td>Ann</td><td>12</td><td>Druid</td></tr>
</table>`

func newTestTracker(t testing.TB, fetcher Fetcher, store Store, options Options) (*Tracker, *telemetry.Recorder) {
	t.Helper()
	if options.BaseURL == "" {
		options.BaseURL = testBase
	}
	if options.World == "" {
		options.World = "Mystian"
	}
	if options.DeathsPath == "" {
		options.DeathsPath = "?subtopic=latestdeaths"
	}
	if options.RosterPath == "" {
		options.RosterPath = "?subtopic=worlds&world={world}"
	}
	rec := telemetry.NewRecorder()
	tr := NewTracker(options, fetcher, store, rec, chrono.Fixed{At: observed})
	return tr, rec
}

func TestRun(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {body: rosterPage},
	}}
	store := &memoryStore{levels: LevelMap{"Bob": 50}}
	tr, rec := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.NoError(t, result.PersistErr)
	require.True(t, result.DeathsFetched)
	require.True(t, result.RosterFetched)
	require.Len(t, result.Deaths, 2)
	require.Len(t, result.Players, 2)
	require.Len(t, result.LevelUps, 1)
	require.Equal(t, 5, result.LevelUps[0].Gain)
	require.Equal(t, LevelMap{"Bob": 55, "Ann": 12}, store.levels)

	require.Len(t, store.snapshots, 1)
	snap := store.snapshots[0]
	require.Equal(t, result.RunID, snap.RunID)
	require.NotEmpty(t, snap.RunID)
	require.Equal(t, observed, snap.CapturedAt)
	require.Len(t, snap.Deaths, 2)

	n, ok := rec.Count("levelups")
	require.True(t, ok)
	require.Equal(t, int64(1), n)
	require.Empty(t, rec.Reports(telemetry.KindBroken))
}

func TestRunDeathsFailureKeepsRoster(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {err: errors.New("connection reset")},
		"GET " + testRosterURL: {body: rosterPage},
	}}
	store := &memoryStore{levels: LevelMap{"Bob": 50}}
	tr, rec := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.False(t, result.DeathsFetched)
	require.Empty(t, result.Deaths)
	require.Len(t, result.LevelUps, 1)
	require.True(t, rec.Has(telemetry.KindBroken, "tracker.deaths"))
	require.Len(t, store.snapshots, 1)
}

func TestRunRosterFailureKeepsDeaths(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {err: errors.New("timeout")},
	}}
	store := &memoryStore{levels: LevelMap{"Bob": 50}}
	tr, rec := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.False(t, result.RosterFetched)
	require.Len(t, result.Deaths, 2)
	require.Empty(t, result.Players)
	require.Equal(t, LevelMap{"Bob": 50}, store.levels)
	require.True(t, rec.Has(telemetry.KindBroken, "tracker.roster"))
}

func TestRunTotalFailure(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {err: errors.New("refused")},
		"GET " + testRosterURL: {err: errors.New("refused")},
	}}
	store := &memoryStore{levels: LevelMap{"Bob": 50}}
	tr, _ := newTestTracker(t, fetcher, store, Options{})

	_, err := tr.Run(context.Background())

	require.ErrorIs(t, err, ErrNoPages)
	require.ErrorContains(t, err, "refused")
	require.Empty(t, store.snapshots, "snapshot documents must stay untouched")
	require.Equal(t, []LevelMap{{"Bob": 50}}, store.savedMaps)
}

func TestRunPersistFailureIsNotFatal(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {body: rosterPage},
	}}
	store := &memoryStore{
		saveErr:    errors.New("disk full"),
		resultsErr: errors.New("read-only"),
	}
	tr, rec := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.ErrorContains(t, result.PersistErr, "disk full")
	require.ErrorContains(t, result.PersistErr, "read-only")
	require.Len(t, rec.Reports(telemetry.KindBroken), 2)
}

func TestRunNothingSaved(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {body: rosterPage},
	}}
	store := &memoryStore{
		saveErr:    errors.New("disk full"),
		resultsErr: fmt.Errorf("%w: disk full", ErrNothingSaved),
	}
	tr, _ := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.ErrorIs(t, err, ErrNothingSaved)
	require.NotErrorIs(t, err, ErrNoPages)
	require.Equal(t, result.PersistErr, err)
	require.Len(t, result.Deaths, 2)
}

func TestRunLevelMapSavedAloneIsNotFatal(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {body: rosterPage},
	}}
	store := &memoryStore{resultsErr: fmt.Errorf("%w: read-only", ErrNothingSaved)}
	tr, _ := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.ErrorIs(t, result.PersistErr, ErrNothingSaved)
	require.Equal(t, LevelMap{"Bob": 55, "Ann": 12}, store.levels)
}

func TestRunMissingRosterTable(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {body: `<p>The world is offline.</p>`},
	}}
	store := &memoryStore{levels: LevelMap{"Bob": 50}}
	tr, rec := newTestTracker(t, fetcher, store, Options{})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.True(t, result.RosterFetched)
	require.Empty(t, result.Players)
	require.Empty(t, result.LevelUps)
	require.True(t, rec.Has(telemetry.KindWarning, "tracker.roster"))
}

func TestRunSubmitsWorldForm(t *testing.T) {
	formPage := `<form action="?subtopic=latestdeaths" method="post">
		<input type="hidden" name="token" value="t1">
		<select name="world"><option>Mystian</option></select>
	</form>
	<table><tr><td>1</td><td>09:00</td><td>Other died at level 1 by a rat.</td></tr></table>`

	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL:  {body: formPage},
		"POST " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL:  {body: rosterPage},
	}}
	store := &memoryStore{}
	tr, _ := newTestTracker(t, fetcher, store, Options{SubmitWorldForm: true})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, result.Deaths, 2)
	require.Equal(t, "Eldin", result.Deaths[0].Victim)

	require.Len(t, fetcher.requests, 3)
	post := fetcher.requests[1]
	require.Equal(t, http.MethodPost, post.Method)
	require.Equal(t, url.Values{"token": {"t1"}, "world": {"Mystian"}}, post.Form)
}

func TestRunFallsBackWhenFormFails(t *testing.T) {
	formPage := `<form method="post"><select name="world"></select></form>` + deathsPage

	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL:  {body: formPage},
		"POST " + testDeathsURL: {err: errors.New("403")},
		"GET " + testRosterURL:  {body: rosterPage},
	}}
	tr, rec := newTestTracker(t, fetcher, &memoryStore{}, Options{SubmitWorldForm: true})

	result, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, result.Deaths, 2)
	require.True(t, rec.Has(telemetry.KindWarning, "tracker.deaths-form"))
}

func TestRunPausesAndRotates(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{
		"GET " + testDeathsURL: {body: deathsPage},
		"GET " + testRosterURL: {body: rosterPage},
	}}
	tr, rec := newTestTracker(t, fetcher, &memoryStore{}, Options{
		DelayMin: 2 * time.Second,
		DelayMax: 4 * time.Second,
	})

	var pauses []time.Duration
	var events []string
	tr.Random = fixedRandom(int64(time.Second))
	tr.Sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		events = append(events, "sleep")
		return nil
	}
	tr.Rotator = rotatorFunc(func(context.Context) error {
		events = append(events, "rotate")
		return errors.New("control port closed")
	})

	_, err := tr.Run(context.Background())

	require.NoError(t, err)
	require.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, pauses)
	require.Equal(t, []string{"sleep", "rotate", "sleep"}, events)
	require.True(t, rec.Has(telemetry.KindWarning, "tracker.rotate"))
}

func TestRunCancelledPause(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]fakePage{}}
	tr, _ := newTestTracker(t, fetcher, &memoryStore{}, Options{
		DelayMin: time.Hour,
		DelayMax: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Run(ctx)
	require.ErrorIs(t, err, ErrNoPages)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, fetcher.requests)
}

func TestJitter(t *testing.T) {
	require.Equal(t, time.Second, Jitter(fixedRandom(0), time.Second, time.Second))
	require.Equal(t, time.Second, Jitter(fixedRandom(0), time.Second, 0))

	min, max := 2*time.Second, 5*time.Second
	require.Equal(t, min, Jitter(fixedRandom(0), min, max))
	require.Equal(t, max, Jitter(fixedRandom(1<<62), min, max))

	for i := 0; i < 100; i++ {
		d := Jitter(globalRand{}, min, max)
		require.GreaterOrEqual(t, d, min)
		require.LessOrEqual(t, d, max)
	}
}
