package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"otwatch/internal/components/telemetry"
	"otwatch/internal/tracker"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var captured = time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, levels LevelBackend) (Store, *telemetry.Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	if levels == nil {
		levels = JSONLevels{Path: filepath.Join(dir, "previous_levels.json")}
	}
	rec := telemetry.NewRecorder()
	store := NewStore(Options{
		Dir:     dir,
		Prefix:  "mystian",
		World:   "Mystian",
		Scraper: "test",
	}, levels, rec)
	return store, rec, dir
}

func TestLevelMapRoundTrip(t *testing.T) {
	store, rec, _ := newTestStore(t, nil)
	ctx := context.Background()

	levels := tracker.LevelMap{"Eldin": 132, "Mia": 40, "Ação Ñandú": 7}
	require.NoError(t, store.SaveLevelMap(ctx, levels))

	loaded := store.LoadLevelMap(ctx)
	if diff := cmp.Diff(levels, loaded); diff != "" {
		t.Fatal(diff)
	}
	require.Empty(t, rec.Reports(telemetry.KindWarning))
}

func TestLoadLevelMapMissing(t *testing.T) {
	store, rec, _ := newTestStore(t, nil)

	loaded := store.LoadLevelMap(context.Background())

	require.NotNil(t, loaded)
	require.Empty(t, loaded)
	require.True(t, rec.Has(telemetry.KindWarning, report_store_load))
}

func TestLoadLevelMapCorrupt(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"Eldin": 13`,
		"wrong type":     `["Eldin", 132]`,
		"string level":   `{"Eldin": "132"}`,
		"fraction level": `{"Eldin": 13.5}`,
		"negative level": `{"Eldin": -1}`,
		"empty name":     `{"": 5}`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "previous_levels.json")
			require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

			_, err := JSONLevels{Path: path}.Load(context.Background())
			require.ErrorIs(t, err, ErrCorrupt)

			store, rec, _ := newTestStore(t, JSONLevels{Path: path})
			require.Empty(t, store.LoadLevelMap(context.Background()))
			require.True(t, rec.Has(telemetry.KindWarning, report_store_load))
		})
	}
}

func TestSaveResults(t *testing.T) {
	store, _, dir := newTestStore(t, nil)

	death, err := tracker.NewDeathRecord("Eldin", 132, "a dragon.", "18:01", captured)
	require.NoError(t, err)
	player, err := tracker.NewPlayerRecord("Bob", 55, "Knight", captured)
	require.NoError(t, err)

	err = store.SaveResults(context.Background(), tracker.Snapshot{
		RunID:      "run-1",
		CapturedAt: captured,
		Deaths:     []tracker.DeathRecord{death},
		Players:    []tracker.PlayerRecord{player},
	})
	require.NoError(t, err)

	deaths, err := ReadDocument[tracker.DeathRecord](filepath.Join(dir, "mystian_deaths.json"))
	require.NoError(t, err)
	require.Equal(t, "2025-03-14T18:30:00Z", deaths.LastUpdated)
	require.Equal(t, "Mystian", deaths.World)
	require.Equal(t, "test", deaths.Scraper)
	require.Equal(t, "run-1", deaths.RunID)
	require.Len(t, deaths.Data, 1)
	require.Equal(t, death.Key(), deaths.Data[0].Key())
	require.True(t, captured.Equal(deaths.Data[0].ObservedAt))

	players, err := ReadDocument[tracker.PlayerRecord](filepath.Join(dir, "mystian_players.json"))
	require.NoError(t, err)
	require.Equal(t, "Bob", players.Data[0].Name)

	raw, err := os.ReadFile(filepath.Join(dir, "mystian_levelups.json"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"data": []`)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.NotContains(t, entry.Name(), ".tmp", "temporary files must not be left behind")
	}
}

func TestSaveResultsContinuesAfterFailure(t *testing.T) {
	store, rec, dir := newTestStore(t, nil)

	// a directory where the players document should go makes the rename fail
	require.NoError(t, os.Mkdir(filepath.Join(dir, "mystian_players.json"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mystian_players.json", "keep"), nil, 0644))

	err := store.SaveResults(context.Background(), tracker.Snapshot{RunID: "run-2", CapturedAt: captured})

	require.Error(t, err)
	require.ErrorContains(t, err, "players")
	require.NotErrorIs(t, err, tracker.ErrNothingSaved)
	require.True(t, rec.Has(telemetry.KindBroken, report_store_save))

	_, err = os.Stat(filepath.Join(dir, "mystian_deaths.json"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "mystian_levelups.json"))
	require.NoError(t, err)
}

func TestSaveResultsAllFailed(t *testing.T) {
	dir := t.TempDir()
	// the output directory is a regular file, no document can be written
	out := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(out, nil, 0644))
	store := NewStore(Options{Dir: out, Prefix: "mystian", World: "Mystian"}, JSONLevels{}, telemetry.NewRecorder())

	err := store.SaveResults(context.Background(), tracker.Snapshot{RunID: "run-3", CapturedAt: captured})

	require.ErrorIs(t, err, tracker.ErrNothingSaved)
	require.ErrorContains(t, err, "deaths")
	require.ErrorContains(t, err, "levelups")
}

func TestSaveResultsOverwrites(t *testing.T) {
	store, _, dir := newTestStore(t, nil)
	ctx := context.Background()

	p1, _ := tracker.NewPlayerRecord("Bob", 55, "Knight", captured)
	p2, _ := tracker.NewPlayerRecord("Ann", 12, "Druid", captured)

	require.NoError(t, store.SaveResults(ctx, tracker.Snapshot{RunID: "a", CapturedAt: captured, Players: []tracker.PlayerRecord{p1, p2}}))
	require.NoError(t, store.SaveResults(ctx, tracker.Snapshot{RunID: "b", CapturedAt: captured, Players: []tracker.PlayerRecord{p2}}))

	players, err := ReadDocument[tracker.PlayerRecord](filepath.Join(dir, "mystian_players.json"))
	require.NoError(t, err)
	require.Equal(t, "b", players.RunID)
	require.Len(t, players.Data, 1)
}

func TestDocumentPathWithoutPrefix(t *testing.T) {
	store := NewStore(Options{Dir: "out", World: "Mystian"}, JSONLevels{}, telemetry.NewRecorder())
	require.Equal(t, filepath.Join("out", "deaths.json"), store.DocumentPath("deaths"))
}

func TestSQLiteLevels(t *testing.T) {
	backend := NewSQLiteLevels(filepath.Join(t.TempDir(), "state", "levels.db"))
	t.Cleanup(func() { backend.Close() })

	store, rec, _ := newTestStore(t, backend)
	ctx := context.Background()

	require.Empty(t, store.LoadLevelMap(ctx))
	require.True(t, rec.Has(telemetry.KindWarning, report_store_load))

	require.NoError(t, store.SaveLevelMap(ctx, tracker.LevelMap{"Eldin": 132, "Mia": 40}))
	require.NoError(t, store.SaveLevelMap(ctx, tracker.LevelMap{"Eldin": 133}))

	require.Equal(t, tracker.LevelMap{"Eldin": 133}, store.LoadLevelMap(ctx))
	require.Len(t, rec.Reports(telemetry.KindWarning), 1)

	// a second handle on the same file sees the saved map
	reopened := NewSQLiteLevels(backend.Path)
	t.Cleanup(func() { reopened.Close() })
	levels, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, tracker.LevelMap{"Eldin": 133}, levels)
}

func TestSQLiteLevelsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "levels.db")
	garbage := append([]byte(`{"Bob": 50}`), make([]byte, 4096)...)
	require.NoError(t, os.WriteFile(path, garbage, 0644))

	backend := NewSQLiteLevels(path)
	t.Cleanup(func() { backend.Close() })
	store, rec, _ := newTestStore(t, backend)
	ctx := context.Background()

	_, err := backend.Load(ctx)
	require.ErrorIs(t, err, ErrCorrupt)

	require.Empty(t, store.LoadLevelMap(ctx))
	require.True(t, rec.Has(telemetry.KindWarning, report_store_load))

	require.NoError(t, store.SaveLevelMap(ctx, tracker.LevelMap{"Bob": 55}))
	require.Equal(t, tracker.LevelMap{"Bob": 55}, store.LoadLevelMap(ctx))

	moved, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err)
	require.Equal(t, garbage, moved)
}
