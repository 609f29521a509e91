package util

import (
	"regexp"
	"strings"
)

var (
	nonDialable = regexp.MustCompile(`[^\d\+]+`)
	// +<country code, 1-3 digits><subscriber, 7-14 digits>
	providerReady = regexp.MustCompile(`^\+[1-9]\d{0,2}\d{7,14}$`)
)

// NormalizePhone tries to normalize user input into E.164-like format.
// defaultCountry (digits only, e.g. "55") is prefixed to numbers written
// with a national trunk prefix "0"; empty disables that rewrite.
func NormalizePhone(raw, defaultCountry string) string {
	s := nonDialable.ReplaceAllString(strings.TrimSpace(raw), "")

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(s, "00"):
		s = "+" + s[2:]
	case defaultCountry != "" && strings.HasPrefix(s, "0") && len(s) > 1:
		s = "+" + defaultCountry + s[1:]
	case defaultCountry != "" && strings.HasPrefix(s, defaultCountry) && len(s) > len(defaultCountry)+7:
		s = "+" + s
	}

	return s
}

// ValidPhone reports whether phone is provider-ready.
func ValidPhone(phone string) bool {
	return providerReady.MatchString(phone)
}
