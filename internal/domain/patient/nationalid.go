// Package patient is the consumer of the credential subsystem: it obtains a
// valid EDM access token and performs the downstream patient-creation call,
// pre-filling demographics from the national identification number.
package patient

import (
	"fmt"
	"time"
)

// Demographics are the fields derivable from a PESEL-style national ID:
// date of birth from the century-banded month field and sex from the parity
// of the ordinal digit.
type Demographics struct {
	DateOfBirth time.Time
	Sex         string // "male" or "female"
}

// centuryBands maps the month-field offset to the century base year. The ID
// encodes the century by shifting the month: 01-12 is 1900s, 21-32 is 2000s,
// 41-52 is 2100s, 61-72 is 2200s, 81-92 is 1800s.
var centuryBands = []struct {
	offset int
	base   int
}{
	{0, 1900},
	{20, 2000},
	{40, 2100},
	{60, 2200},
	{80, 1800},
}

// ParseNationalID derives demographics from an 11-digit national ID. The
// second return value is false for anything malformed: wrong length,
// non-digit characters, an out-of-band month field, or an impossible date.
// Malformed IDs are not an error; the caller simply omits derived fields.
func ParseNationalID(id string) (Demographics, bool) {
	if len(id) != 11 {
		return Demographics{}, false
	}
	digits := make([]int, 11)
	for i, r := range id {
		if r < '0' || r > '9' {
			return Demographics{}, false
		}
		digits[i] = int(r - '0')
	}

	yy := digits[0]*10 + digits[1]
	mm := digits[2]*10 + digits[3]
	dd := digits[4]*10 + digits[5]

	year, month := 0, 0
	for _, band := range centuryBands {
		if mm >= band.offset+1 && mm <= band.offset+12 {
			year = band.base + yy
			month = mm - band.offset
			break
		}
	}
	if month == 0 {
		return Demographics{}, false
	}

	dob := time.Date(year, time.Month(month), dd, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (e.g. Feb 30), so reject anything that
	// did not round-trip.
	if dob.Year() != year || dob.Month() != time.Month(month) || dob.Day() != dd {
		return Demographics{}, false
	}

	sex := "female"
	if digits[9]%2 == 1 {
		sex = "male"
	}

	return Demographics{DateOfBirth: dob, Sex: sex}, true
}

// FormatDateOfBirth renders the derived birth date the way the EDM patient
// endpoint expects it.
func FormatDateOfBirth(t time.Time) string {
	return fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day())
}
