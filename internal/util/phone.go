package util

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone strips formatting characters and validates that the result
// looks like an E.164 number ("+" followed by 7-15 digits).
func NormalizePhone(phone string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// formatting noise
		default:
			return "", ErrInvalidPhone
		}
	}

	normalized := b.String()
	if !strings.HasPrefix(normalized, "+") {
		normalized = "+" + normalized
	}

	digits := len(normalized) - 1
	if digits < 7 || digits > 15 {
		return "", ErrInvalidPhone
	}
	return normalized, nil
}

// PhoneDigits returns the number without the leading "+", the form the
// WhatsApp JID user part uses.
func PhoneDigits(phone string) string {
	return strings.TrimPrefix(phone, "+")
}
