package timeconv

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/now"
	"github.com/raphaelgruber/igsnharvest/internal/fault"
)

// Offset-less layouts are interpreted in UTC.
var layouts = []string{
	time.RFC3339Nano,
	JSONTimeFormat,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	OAIDayFormat,
}

var deepTimePattern = regexp.MustCompile(`(?i)^([+-]?\d+(?:\.\d+)?)\s*(bce|bc|ma|ka)$`)

// The fallback parser fills a missing date from the current day, so it
// only sees input that carries a four digit year.
var yearPattern = regexp.MustCompile(`(^|\D)\d{4}(\D|$)`)

var fallbackParser = &now.Config{
	TimeLocation: time.UTC,
	TimeFormats:  now.TimeFormats,
}

// ParseTimestamp parses a provider timestamp. Strings without an offset are
// UTC. Besides civil forms it accepts "10521 BCE", "66 Ma" and "12.9 ka".
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fault.Rangef("parse timestamp", "empty timestamp")
	}

	if m := deepTimePattern.FindStringSubmatch(s); m != nil {
		return parseDeepTime(s, m[1], strings.ToLower(m[2]))
	}

	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}

	if !yearPattern.MatchString(s) {
		return time.Time{}, fault.Rangef("parse timestamp", "%q has no date", s)
	}
	t, err := fallbackParser.Parse(s)
	if err != nil {
		return time.Time{}, fault.Range("parse timestamp", fmt.Errorf("%q: %w", s, err))
	}
	return t.UTC(), nil
}

func parseDeepTime(s, value, unit string) (time.Time, error) {
	switch unit {
	case "bce", "bc":
		bce, err := strconv.Atoi(value)
		if err != nil {
			return time.Time{}, fault.Range("parse timestamp", fmt.Errorf("%q: %w", s, err))
		}
		jd, err := BCEToJD(bce)
		if err != nil {
			return time.Time{}, err
		}
		return FromJD(jd)
	}

	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, fault.Range("parse timestamp", fmt.Errorf("%q: %w", s, err))
	}
	var jd float64
	if unit == "ka" {
		jd, err = KaToJD(v)
	} else {
		jd, err = MaToJD(v)
	}
	if err != nil {
		return time.Time{}, err
	}
	return FromJD(jd)
}

// BeginningOfDay returns midnight of t's UTC day.
func BeginningOfDay(t time.Time) time.Time {
	return fallbackParser.With(t.UTC()).BeginningOfDay()
}
