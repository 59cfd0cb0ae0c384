package tracker

// Admit reports whether candidate is new, that is no record in existing has
// the same victim, level and killer. The time label is not compared since
// neighbouring cells can yield different labels for one death.
func Admit(existing []DeathRecord, candidate DeathRecord) bool {
	key := candidate.Key()
	for _, record := range existing {
		if record.Key() == key {
			return false
		}
	}
	return true
}
