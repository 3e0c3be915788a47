// Package timeconv converts between civil timestamps, Julian Day numbers,
// astronomical (proleptic BCE) years and geological deep-time units.
//
// All civil values are UTC. Julian Day values are float64 days with a
// fractional part; near the present their resolution is roughly 20µs, so
// conversions back to civil time are rounded to the millisecond.
package timeconv

import (
	"math"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
)

const (
	// UnixEpochJD is the Julian Day of 1970-01-01T00:00:00Z.
	UnixEpochJD = 2440587.5

	// SecondsPerDay is the length of a Julian Day in SI seconds.
	SecondsPerDay = 86400.0

	// maxUnixSeconds bounds conversions so time.Unix never overflows its
	// internal representation.
	maxUnixSeconds = 9e18
)

// ToJD returns the Julian Day of t.
func ToJD(t time.Time) float64 {
	t = t.UTC()
	secs := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	return UnixEpochJD + secs/SecondsPerDay
}

// FromJD returns the UTC time for a Julian Day, rounded to the millisecond.
func FromJD(jd float64) (time.Time, error) {
	if math.IsNaN(jd) || math.IsInf(jd, 0) {
		return time.Time{}, fault.Rangef("julian day to time", "julian day %v is not finite", jd)
	}
	secs := (jd - UnixEpochJD) * SecondsPerDay
	if math.Abs(secs) > maxUnixSeconds {
		return time.Time{}, fault.Rangef("julian day to time", "julian day %v outside representable range", jd)
	}
	ms := math.Round(secs * 1000)
	whole := math.Floor(ms / 1000)
	frac := ms - whole*1000
	return time.Unix(int64(whole), int64(frac)*int64(time.Millisecond)).UTC(), nil
}
