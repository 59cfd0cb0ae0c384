package tracker

import (
	"encoding/json"
	"time"
)

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type deathWire struct {
	Victim     string `json:"player"`
	Level      int    `json:"level"`
	Killer     string `json:"killer"`
	OccurredAt string `json:"time"`
	Timestamp  int64  `json:"timestamp"`
	ID         string `json:"id"`
}

func (d DeathRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(deathWire{
		Victim:     d.Victim,
		Level:      d.Level,
		Killer:     d.Killer,
		OccurredAt: d.OccurredAt,
		Timestamp:  unixMilli(d.ObservedAt),
		ID:         d.ID(),
	})
}

func (d *DeathRecord) UnmarshalJSON(data []byte) error {
	var wire deathWire
	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}
	*d = DeathRecord{
		Victim:     wire.Victim,
		Level:      wire.Level,
		Killer:     wire.Killer,
		OccurredAt: wire.OccurredAt,
		ObservedAt: fromUnixMilli(wire.Timestamp),
	}
	return nil
}

type playerWire struct {
	Name      string `json:"name"`
	Level     int    `json:"level"`
	Vocation  string `json:"vocation"`
	Timestamp int64  `json:"timestamp"`
}

func (p PlayerRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(playerWire{
		Name:      p.Name,
		Level:     p.Level,
		Vocation:  p.Vocation,
		Timestamp: unixMilli(p.ObservedAt),
	})
}

func (p *PlayerRecord) UnmarshalJSON(data []byte) error {
	var wire playerWire
	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}
	*p = PlayerRecord{
		Name:       wire.Name,
		Level:      wire.Level,
		Vocation:   wire.Vocation,
		ObservedAt: fromUnixMilli(wire.Timestamp),
	}
	return nil
}

type levelUpWire struct {
	Player        string `json:"player"`
	PreviousLevel int    `json:"previous_level"`
	NewLevel      int    `json:"new_level"`
	Gain          int    `json:"level_gain"`
	Vocation      string `json:"vocation"`
	Timestamp     int64  `json:"timestamp"`
	ID            string `json:"id"`
}

func (e LevelUpEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(levelUpWire{
		Player:        e.Player,
		PreviousLevel: e.PreviousLevel,
		NewLevel:      e.NewLevel,
		Gain:          e.Gain,
		Vocation:      e.Vocation,
		Timestamp:     unixMilli(e.ObservedAt),
		ID:            e.ID(),
	})
}

func (e *LevelUpEvent) UnmarshalJSON(data []byte) error {
	var wire levelUpWire
	err := json.Unmarshal(data, &wire)
	if err != nil {
		return err
	}
	*e = LevelUpEvent{
		Player:        wire.Player,
		PreviousLevel: wire.PreviousLevel,
		NewLevel:      wire.NewLevel,
		Gain:          wire.Gain,
		Vocation:      wire.Vocation,
		ObservedAt:    fromUnixMilli(wire.Timestamp),
	}
	return nil
}
