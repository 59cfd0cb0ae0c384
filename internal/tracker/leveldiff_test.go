package tracker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func player(t testing.TB, name string, level int) PlayerRecord {
	t.Helper()
	p, err := NewPlayerRecord(name, level, "Knight", observed)
	require.NoError(t, err)
	return p
}

// Scenario B
func TestObserveLevelUp(t *testing.T) {
	levels := LevelMap{"Bob": 50}

	next, event := Observe(levels, player(t, "Bob", 55))

	require.NotNil(t, event)
	expected := LevelUpEvent{
		Player:        "Bob",
		PreviousLevel: 50,
		NewLevel:      55,
		Gain:          5,
		Vocation:      "Knight",
		ObservedAt:    observed,
	}
	if diff := cmp.Diff(expected, *event); diff != "" {
		t.Fatal(diff)
	}
	require.Equal(t, LevelMap{"Bob": 55}, next)
	require.Equal(t, LevelMap{"Bob": 50}, levels, "input map must not change")
	require.Equal(t, "Bob-50-55-1741977000", event.ID())
}

// Scenario C
func TestObserveRegression(t *testing.T) {
	next, event := Observe(LevelMap{"Bob": 50}, player(t, "Bob", 48))
	require.Nil(t, event)
	require.Equal(t, LevelMap{"Bob": 48}, next)
}

func TestObserveUnknownPlayer(t *testing.T) {
	next, event := Observe(nil, player(t, "Ann", 10))
	require.Nil(t, event)
	require.Equal(t, LevelMap{"Ann": 10}, next)
}

func TestObserveIdempotent(t *testing.T) {
	levels := LevelMap{"Bob": 50}

	levels, first := Observe(levels, player(t, "Bob", 60))
	levels, second := Observe(levels, player(t, "Bob", 60))

	require.NotNil(t, first)
	require.Nil(t, second)
	require.Equal(t, LevelMap{"Bob": 60}, levels)
}

func TestDiffRoster(t *testing.T) {
	levels := LevelMap{"Bob": 50, "Ann": 20, "Cid": 99}
	players := []PlayerRecord{
		player(t, "Bob", 52),
		player(t, "Ann", 20),
		player(t, "Dee", 8),
		player(t, "Cid", 90),
		player(t, "Bob", 54),
	}

	next, events := DiffRoster(levels, players)

	require.Equal(t, LevelMap{"Bob": 54, "Ann": 20, "Cid": 90, "Dee": 8}, next)
	require.Len(t, events, 2)
	require.Equal(t, 50, events[0].PreviousLevel)
	require.Equal(t, 52, events[0].NewLevel)
	require.Equal(t, 52, events[1].PreviousLevel)
	require.Equal(t, 54, events[1].NewLevel)
	require.Equal(t, LevelMap{"Bob": 50, "Ann": 20, "Cid": 99}, levels)
}

func TestAdmit(t *testing.T) {
	existing := []DeathRecord{
		{Victim: "Eldin", Level: 132, Killer: "a dragon", OccurredAt: "18:01"},
	}
	require.False(t, Admit(existing, DeathRecord{Victim: "Eldin", Level: 132, Killer: "a dragon", OccurredAt: "18:02"}))
	require.True(t, Admit(existing, DeathRecord{Victim: "Eldin", Level: 133, Killer: "a dragon"}))
	require.True(t, Admit(nil, existing[0]))
}

func TestRecordConstructors(t *testing.T) {
	death, err := NewDeathRecord(" Eldin ", 0, " a dragon. ", "", observed)
	require.NoError(t, err)
	require.Equal(t, "Eldin", death.Victim)
	require.Equal(t, "a dragon", death.Killer)
	require.Equal(t, "", death.OccurredAt)
	require.Equal(t, "Eldin-0-a dragon-", death.ID())

	_, err = NewDeathRecord("", 1, "a rat", "", observed)
	require.ErrorIs(t, err, ErrEmptyName)
	_, err = NewDeathRecord("Eldin", 1, ".", "", observed)
	require.ErrorIs(t, err, ErrEmptyName)
	_, err = NewDeathRecord("Eldin", -1, "a rat", "", observed)
	require.ErrorIs(t, err, ErrInvalidLevel)

	p, err := NewPlayerRecord("Mia", 3, " ", observed)
	require.NoError(t, err)
	require.Equal(t, Unknown, p.Vocation)

	_, err = NewPlayerRecord(" ", 3, "Druid", observed)
	require.ErrorIs(t, err, ErrEmptyName)
	_, err = NewPlayerRecord("Mia", 0, "Druid", observed)
	require.ErrorIs(t, err, ErrInvalidLevel)
}
