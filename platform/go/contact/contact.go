package contact

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var (
	ErrInvalidEmail = errors.New("email is not a valid address")
	ErrInvalidPhone = errors.New("phone must be a valid number, e.g. +2348012345678 or 0801 234 5678")
)

// DefaultRegion is the ISO 3166-1 region assumed for numbers written without
// a leading + and country code.
const DefaultRegion = "NG"

// NormalizeEmail parses a bare address and lowercases it.
func NormalizeEmail(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrInvalidEmail
	}

	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// NormalizePhone returns the E.164 form of a phone number, reading local
// numbers as DefaultRegion.
func NormalizePhone(input string) (string, error) {
	return NormalizePhoneIn(input, DefaultRegion)
}

// NormalizePhoneIn is NormalizePhone with local numbers read as region.
// Numbers outside their country's numbering plan are rejected.
func NormalizePhoneIn(input, region string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrInvalidPhone
	}

	number, err := phonenumbers.Parse(trimmed, strings.ToUpper(region))
	if err != nil || !phonenumbers.IsValidNumber(number) {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(number, phonenumbers.E164), nil
}
