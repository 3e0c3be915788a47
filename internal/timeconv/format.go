package timeconv

import (
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
)

// Layouts used on the wire and in JSON output.
const (
	// OAITimeFormat is the second-granularity OAI-PMH datestamp.
	OAITimeFormat = "2006-01-02T15:04:05Z"
	// OAIDayFormat is the day-granularity OAI-PMH datestamp.
	OAIDayFormat = "2006-01-02"
	// JSONTimeFormat matches the export format of harvested records.
	JSONTimeFormat = "2006-01-02T15:04:05-0700"
)

// ISO-8601 protocol strings only carry four-digit years.
func checkISOYear(op string, t time.Time) error {
	if y := t.Year(); y < 0 || y > 9999 {
		return fault.Rangef(op, "year %d cannot be written as an ISO-8601 datestamp", y)
	}
	return nil
}

// FormatOAI renders t as a canonical UTC OAI-PMH datestamp.
func FormatOAI(t time.Time) (string, error) {
	t = t.UTC()
	if err := checkISOYear("format oai datestamp", t); err != nil {
		return "", err
	}
	return t.Format(OAITimeFormat), nil
}

// FormatGranular renders t using day granularity when the provider only
// accepts YYYY-MM-DD arguments.
func FormatGranular(t time.Time, dayGranularity bool) (string, error) {
	if !dayGranularity {
		return FormatOAI(t)
	}
	t = t.UTC()
	if err := checkISOYear("format oai datestamp", t); err != nil {
		return "", err
	}
	return t.Format(OAIDayFormat), nil
}

// FormatJSON renders t with an explicit +0000 offset.
func FormatJSON(t time.Time) (string, error) {
	t = t.UTC()
	if err := checkISOYear("format json time", t); err != nil {
		return "", err
	}
	return t.Format(JSONTimeFormat), nil
}

// JDToOAIString converts a Julian Day directly to an OAI-PMH datestamp.
func JDToOAIString(jd float64) (string, error) {
	t, err := FromJD(jd)
	if err != nil {
		return "", err
	}
	return FormatOAI(t)
}

// JDToJSONString converts a Julian Day directly to the JSON time format.
func JDToJSONString(jd float64) (string, error) {
	t, err := FromJD(jd)
	if err != nil {
		return "", err
	}
	return FormatJSON(t)
}
