// Package epoch converts calendar dates to and from the compact day-offset
// encoding used by the canonical table: days since 1970-01-01, narrowed to
// a signed 16-bit integer.
package epoch

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DateLayout is the textual date format accepted in input files and emitted
// in catalog metadata.
const DateLayout = "2006-01-02"

const secondsPerDay = 24 * 60 * 60

// ErrOutOfRange is returned for dates that do not fit the int16 day range
// (1880-04-14 through 2059-09-18).
var ErrOutOfRange = errors.New("epoch: date outside representable range")

// Zero is day 0.
var Zero = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// ToDays returns the number of days between 1970-01-01 and the calendar date
// of t. The time-of-day and location of t are ignored.
func ToDays(t time.Time) (int16, error) {
	y, m, d := t.Date()
	// Midnight UTC is an exact multiple of a day, so the division is exact
	// for negative offsets too.
	days := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay
	if days < math.MinInt16 || days > math.MaxInt16 {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, t.Format(DateLayout))
	}
	return int16(days), nil
}

// FromDays returns midnight UTC of the given day offset.
func FromDays(days int16) time.Time {
	return Zero.AddDate(0, 0, int(days))
}

// ParseDate parses a YYYY-MM-DD date and encodes it.
func ParseDate(s string) (int16, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return 0, err
	}
	return ToDays(t)
}

// FormatDays decodes days and formats the date as YYYY-MM-DD.
func FormatDays(days int16) string {
	return FromDays(days).Format(DateLayout)
}
