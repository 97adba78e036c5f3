package transport

import (
	"strings"
	"unicode"
)

// FormatChatID turns a phone number into a WhatsApp chat id
// (digits@c.us). Ten-digit numbers are treated as North American and get a
// leading 1. It returns "" for anything that cannot be a phone number.
func FormatChatID(phone string) string {
	if strings.HasSuffix(phone, "@c.us") {
		return phone
	}
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "1" + digits + "@c.us"
	case len(digits) == 11 && digits[0] == '1':
		return digits + "@c.us"
	case len(digits) >= 10 && len(digits) <= 15:
		return digits + "@c.us"
	}
	return ""
}
