package risk

// Rules parameterize the default escalation rule.
type Rules struct {
	// HighStep is how many levels a High band advances.
	HighStep int `json:"high_step"`
	// CriticalLevel is the level a Critical band jumps to.
	CriticalLevel Level `json:"critical_level"`
}

// DefaultRules advance one level on High and jump to Level3 on Critical.
func DefaultRules() Rules {
	return Rules{HighStep: 1, CriticalLevel: Level3}
}

// Transition applies the default rule. It never lowers the level and never
// exceeds MaxLevel.
func Transition(current Level, band Band, rules Rules) (Level, bool) {
	next := current

	switch band {
	case High:
		next = current + Level(rules.HighStep)
	case Critical:
		next = rules.CriticalLevel
	}

	next = Clamp(current, next)
	return next, next != current
}

// Clamp bounds a proposed level to [current, MaxLevel].
func Clamp(current, proposed Level) Level {
	if proposed < current {
		return current
	}
	if proposed > MaxLevel {
		return MaxLevel
	}
	return proposed
}
