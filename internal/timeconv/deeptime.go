package timeconv

import (
	"math"
	"time"

	"github.com/raphaelgruber/igsnharvest/internal/fault"
)

const (
	// PresentEpochJD is the "present" of before-present dating,
	// 1950-01-01T00:00:00Z.
	PresentEpochJD = 2433282.5

	// JulianYearDays is the year length used for Ma and ka.
	JulianYearDays = 365.25

	// MaxMa is the largest deep-time magnitude that still maps onto a
	// time.Time.
	MaxMa = 280_000.0

	// maxAbsYear keeps time.Date away from its silent overflow.
	maxAbsYear int64 = 280_000_000_000

	daysPerMa = JulianYearDays * 1e6
)

// YearToJD returns the Julian Day of January 1st, 00:00 UTC of an
// astronomical year (year 0 is 1 BCE).
func YearToJD(year int) (float64, error) {
	if y := int64(year); y > maxAbsYear || y < -maxAbsYear {
		return 0, fault.Rangef("year to julian day", "year %d outside representable range", year)
	}
	return ToJD(time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)), nil
}

// JDToYear returns the astronomical year containing jd.
func JDToYear(jd float64) (int, error) {
	t, err := FromJD(jd)
	if err != nil {
		return 0, err
	}
	return t.Year(), nil
}

// AstronomicalYear maps a BCE year number to astronomical numbering:
// 1 BCE is year 0, 2 BCE is year -1.
func AstronomicalYear(bce int) int {
	return 1 - bce
}

// BCEToJD returns the Julian Day at the start of the given BCE year.
func BCEToJD(bce int) (float64, error) {
	if bce < 1 {
		return 0, fault.Rangef("bce to julian day", "bce year must be positive, got %d", bce)
	}
	return YearToJD(AstronomicalYear(bce))
}

// JDToBCE returns the BCE year containing jd. Dates in the common era are a
// range fault.
func JDToBCE(jd float64) (int, error) {
	year, err := JDToYear(jd)
	if err != nil {
		return 0, err
	}
	if year > 0 {
		return 0, fault.Rangef("julian day to bce", "julian day %v falls in year %d CE", jd, year)
	}
	return 1 - year, nil
}

func checkDeepTime(op string, v, limit float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fault.Rangef(op, "value %v is not finite", v)
	}
	if math.Abs(v) > limit {
		return fault.Rangef(op, "magnitude %v exceeds %v", v, limit)
	}
	return nil
}

// JDToMa returns millions of years before present. Dates after the present
// epoch are negative.
func JDToMa(jd float64) float64 {
	return (PresentEpochJD - jd) / daysPerMa
}

// MaToJD converts millions of years before present to a Julian Day.
func MaToJD(ma float64) (float64, error) {
	if err := checkDeepTime("ma to julian day", ma, MaxMa); err != nil {
		return 0, err
	}
	return PresentEpochJD - ma*daysPerMa, nil
}

// JDToKa returns thousands of years before present.
func JDToKa(jd float64) float64 {
	return JDToMa(jd) * 1000
}

// KaToJD converts thousands of years before present to a Julian Day.
func KaToJD(ka float64) (float64, error) {
	if err := checkDeepTime("ka to julian day", ka, MaxMa*1000); err != nil {
		return 0, err
	}
	return MaToJD(ka / 1000)
}

// TimeToMa is JDToMa for a civil time.
func TimeToMa(t time.Time) float64 {
	return JDToMa(ToJD(t))
}

// MaToTime is MaToJD followed by FromJD.
func MaToTime(ma float64) (time.Time, error) {
	jd, err := MaToJD(ma)
	if err != nil {
		return time.Time{}, err
	}
	return FromJD(jd)
}
