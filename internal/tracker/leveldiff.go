package tracker

// Observe records that a player was seen at a level. It returns a copy of
// levels holding the new level and, when the player was already known at a
// strictly lower level, the level up that happened. A lower level than the
// one stored still replaces it.
func Observe(levels LevelMap, player PlayerRecord) (LevelMap, *LevelUpEvent) {
	next := levels.Clone()
	event := observe(next, player)
	return next, event
}

// observe is Observe without the copy, callers own levels.
func observe(levels LevelMap, player PlayerRecord) *LevelUpEvent {
	previous, known := levels[player.Name]
	levels[player.Name] = player.Level
	if !known || previous >= player.Level {
		return nil
	}
	return &LevelUpEvent{
		Player:        player.Name,
		PreviousLevel: previous,
		NewLevel:      player.Level,
		Gain:          player.Level - previous,
		Vocation:      player.Vocation,
		ObservedAt:    player.ObservedAt,
	}
}

// DiffRoster applies Observe to every player in order, so a name that shows
// up twice is compared against the level stored by its first row. levels is
// not modified.
func DiffRoster(levels LevelMap, players []PlayerRecord) (LevelMap, []LevelUpEvent) {
	next := levels.Clone()
	var events []LevelUpEvent
	for _, player := range players {
		event := observe(next, player)
		if event != nil {
			events = append(events, *event)
		}
	}
	return next, events
}
