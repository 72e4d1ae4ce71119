package permissions

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is an ordinal access tier. Higher levels include lower ones, and
// levels granted by several authorities combine by maximum.
type Level int

const (
	None Level = 0
	View Level = 1
	Edit Level = 3
	Full Level = 5
)

var levelNames = map[Level]string{
	None: "None",
	View: "View",
	Edit: "Edit",
	Full: "Full",
}

// String returns the tier name, or the number for unnamed tiers
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

// Valid reports whether l is within None..Full
func (l Level) Valid() bool {
	return l >= None && l <= Full
}

// Allows reports whether holding l satisfies required
func (l Level) Allows(required Level) bool {
	return l >= required
}

// Max returns the higher of two levels
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// ParseLevel accepts a tier name (case-insensitive) or a number 0-5
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil || !Level(n).Valid() {
		return None, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
	}
	return Level(n), nil
}
