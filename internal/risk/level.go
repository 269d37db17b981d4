// Package risk scores pattern signals into a risk band and drives the strike
// escalation state machine.
package risk

import (
	"fmt"
	"strings"
)

// Band is the coarse risk category of an assessment.
type Band string

const (
	Low      Band = "low"
	Medium   Band = "medium"
	High     Band = "high"
	Critical Band = "critical"
)

// Rank orders bands from Low (0) to Critical (3).
func (b Band) Rank() int {
	switch b {
	case Medium:
		return 1
	case High:
		return 2
	case Critical:
		return 3
	}
	return 0
}

// Level is a strike level. Automatic transitions only move it upward.
type Level int

const (
	Clear Level = iota
	Level1
	Level2
	Level3
)

// MaxLevel is the highest strike level.
const MaxLevel = Level3

var levelNames = [...]string{"clear", "level1", "level2", "level3"}

func (l Level) String() string {
	if l < Clear || l > MaxLevel {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is a defined level.
func (l Level) Valid() bool {
	return l >= Clear && l <= MaxLevel
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name such as "level2".
func ParseLevel(s string) (Level, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if name == key {
			return Level(i), nil
		}
	}
	return Clear, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}
