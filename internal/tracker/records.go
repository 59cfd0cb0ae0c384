package tracker

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyName    = errors.New("empty name")
	ErrInvalidLevel = errors.New("invalid level")
)

// Unknown is the time label of a scanned death without a neighbouring cell
// and the vocation of a player whose vocation cell is empty.
const Unknown = "Unknown"

// DeathRecord is a single "<victim> died at level <N> by <killer>" entry.
type DeathRecord struct {
	Victim string
	Level  int
	Killer string
	// OccurredAt is the time label printed by the site, it is not parsed.
	OccurredAt string
	ObservedAt time.Time
}

// NewDeathRecord trims its inputs, strips a single trailing period from the
// killer and rejects empty names or a negative level. The time label is kept
// as given, an empty cell stays empty.
func NewDeathRecord(victim string, level int, killer, occurredAt string, observedAt time.Time) (DeathRecord, error) {
	victim = strings.TrimSpace(victim)
	killer = strings.TrimSpace(killer)
	killer = strings.TrimSpace(strings.TrimSuffix(killer, "."))
	occurredAt = strings.TrimSpace(occurredAt)

	if victim == "" {
		return DeathRecord{}, fmt.Errorf("death: victim: %w", ErrEmptyName)
	}
	if killer == "" {
		return DeathRecord{}, fmt.Errorf("death: killer: %w", ErrEmptyName)
	}
	if level < 0 {
		return DeathRecord{}, fmt.Errorf("death: %w: %d", ErrInvalidLevel, level)
	}

	return DeathRecord{
		Victim:     victim,
		Level:      level,
		Killer:     killer,
		OccurredAt: occurredAt,
		ObservedAt: observedAt,
	}, nil
}

// DeathKey is the identity of a death used for deduplication.
type DeathKey struct {
	Victim string
	Level  int
	Killer string
}

func (d DeathRecord) Key() DeathKey {
	return DeathKey{Victim: d.Victim, Level: d.Level, Killer: d.Killer}
}

func (d DeathRecord) ID() string {
	return fmt.Sprintf("%s-%d-%s-%s", d.Victim, d.Level, d.Killer, d.OccurredAt)
}

// PlayerRecord is a single row of the online list.
type PlayerRecord struct {
	Name       string
	Level      int
	Vocation   string
	ObservedAt time.Time
}

// NewPlayerRecord rejects an empty name or a level that is not positive, an
// empty vocation becomes Unknown.
func NewPlayerRecord(name string, level int, vocation string, observedAt time.Time) (PlayerRecord, error) {
	name = strings.TrimSpace(name)
	vocation = strings.TrimSpace(vocation)
	if vocation == "" {
		vocation = Unknown
	}

	if name == "" {
		return PlayerRecord{}, fmt.Errorf("player: %w", ErrEmptyName)
	}
	if level <= 0 {
		return PlayerRecord{}, fmt.Errorf("player %s: %w: %d", name, ErrInvalidLevel, level)
	}

	return PlayerRecord{
		Name:       name,
		Level:      level,
		Vocation:   vocation,
		ObservedAt: observedAt,
	}, nil
}

// LevelUpEvent is emitted when a known player is seen at a higher level than
// the one stored.
type LevelUpEvent struct {
	Player        string
	PreviousLevel int
	NewLevel      int
	Gain          int
	Vocation      string
	ObservedAt    time.Time
}

func (e LevelUpEvent) ID() string {
	return fmt.Sprintf("%s-%d-%d-%d", e.Player, e.PreviousLevel, e.NewLevel, e.ObservedAt.Unix())
}

// LevelMap maps a character name to the last level it was seen at.
type LevelMap map[string]int

// Clone returns a copy of m, a nil map clones to an empty one.
func (m LevelMap) Clone() LevelMap {
	out := make(LevelMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
