// Package phone validates and normalizes phone numbers.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidNumber is returned when a number is not E.164 shaped.
var ErrInvalidNumber = errors.New("invalid phone number")

var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// Valid reports whether s is an E.164 number with an optional leading plus.
func Valid(s string) bool {
	return e164.MatchString(s)
}

// Validate returns ErrInvalidNumber when s is not Valid.
func Validate(s string) error {
	if !Valid(s) {
		return ErrInvalidNumber
	}
	return nil
}

// Normalize strips every non-digit character.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CountryCode guesses the calling code of an E.164 number. It prefers the
// shortest known prefix and falls back to the first digit.
func CountryCode(s string) string {
	digits := Normalize(s)
	if digits == "" {
		return ""
	}
	for n := 1; n <= 3 && n <= len(digits); n++ {
		if _, ok := callingCodes[digits[:n]]; ok {
			return digits[:n]
		}
	}
	return digits[:1]
}

// NationalNumber returns the digits after the country code.
func NationalNumber(s, countryCode string) string {
	digits := Normalize(s)
	cc := Normalize(countryCode)
	if cc != "" && strings.HasPrefix(digits, cc) {
		return digits[len(cc):]
	}
	return digits
}

// callingCodes lists ITU calling codes that are not a prefix of a shorter one.
var callingCodes = map[string]struct{}{
	"1": {}, "7": {},
	"20": {}, "27": {}, "30": {}, "31": {}, "32": {}, "33": {}, "34": {}, "36": {}, "39": {},
	"40": {}, "41": {}, "43": {}, "44": {}, "45": {}, "46": {}, "47": {}, "48": {}, "49": {},
	"51": {}, "52": {}, "53": {}, "54": {}, "55": {}, "56": {}, "57": {}, "58": {},
	"60": {}, "61": {}, "62": {}, "63": {}, "64": {}, "65": {}, "66": {},
	"81": {}, "82": {}, "84": {}, "86": {}, "90": {}, "91": {}, "92": {}, "93": {}, "94": {}, "95": {}, "98": {},
	"212": {}, "213": {}, "216": {}, "218": {}, "220": {}, "221": {}, "233": {}, "234": {}, "254": {}, "255": {}, "256": {},
	"351": {}, "352": {}, "353": {}, "354": {}, "355": {}, "358": {}, "359": {},
	"370": {}, "371": {}, "372": {}, "373": {}, "374": {}, "375": {}, "380": {}, "381": {}, "385": {}, "386": {},
	"420": {}, "421": {}, "852": {}, "853": {}, "855": {}, "880": {}, "886": {},
	"960": {}, "961": {}, "962": {}, "963": {}, "964": {}, "965": {}, "966": {}, "967": {}, "968": {},
	"970": {}, "971": {}, "972": {}, "973": {}, "974": {}, "975": {}, "976": {}, "977": {},
	"992": {}, "993": {}, "994": {}, "995": {}, "996": {}, "998": {},
}
