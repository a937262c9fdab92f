package shared

import (
	"errors"
	"regexp"
	"time"
)

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ErrInvalidPeriod indicates a malformed YYYY-MM period string.
var ErrInvalidPeriod = errors.New("shared: invalid period")

// PeriodOf formats a date as its YYYY-MM reporting period.
func PeriodOf(t time.Time) string {
	return t.Format("2006-01")
}

// ValidatePeriod checks YYYY-MM format.
func ValidatePeriod(period string) error {
	if !periodPattern.MatchString(period) {
		return ErrInvalidPeriod
	}
	return nil
}
