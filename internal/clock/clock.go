// Package clock converts between "HH:MM" wall-clock strings and
// absolute instants on a given calendar day. All block comparisons in
// the engine go through instants produced here, never raw strings.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// FormatError reports a malformed wall-clock string.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid wall-clock time %q: %s", e.Input, e.Reason)
}

// ParseWallClock parses "HH:MM" (24-hour) into minutes since midnight.
func ParseWallClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, &FormatError{Input: s, Reason: "want HH:MM"}
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, &FormatError{Input: s, Reason: "hour is not a number"}
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, &FormatError{Input: s, Reason: "minute is not a number"}
	}
	if hour < 0 || hour > 23 {
		return 0, &FormatError{Input: s, Reason: "hour out of range"}
	}
	if minute < 0 || minute > 59 {
		return 0, &FormatError{Input: s, Reason: "minute out of range"}
	}
	return hour*60 + minute, nil
}

// WallClockToInstant places a "HH:MM" time on ref's calendar day, in
// ref's location.
func WallClockToInstant(s string, ref time.Time) (time.Time, error) {
	mins, err := ParseWallClock(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), mins/60, mins%60, 0, 0, ref.Location()), nil
}

// FormatClock renders an instant as "HH:MM".
func FormatClock(t time.Time) string {
	return t.Format("15:04")
}

// FormatDuration renders minutes as "XhYm", or "Ym" under an hour.
func FormatDuration(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh%dm", minutes/60, minutes%60)
}

// Day renders an instant's calendar day as "YYYY-MM-DD".
func Day(t time.Time) string {
	return t.Format(dayLayout)
}

// ParseDay parses a "YYYY-MM-DD" day in loc.
func ParseDay(day string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(dayLayout, day, loc)
	if err != nil {
		return time.Time{}, &FormatError{Input: day, Reason: "want YYYY-MM-DD"}
	}
	return t, nil
}
