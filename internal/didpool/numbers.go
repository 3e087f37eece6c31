package didpool

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizeNumber parses an international number and returns its E.164 form.
// A leading '+' is required; numbers are never guessed into a default region.
func NormalizeNumber(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "+") {
		return "", ErrInvalidNumber
	}
	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", ErrInvalidNumber
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", ErrInvalidNumber
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
