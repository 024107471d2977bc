package messaging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var ErrInvalidSender = errors.New("sender is not a valid phone number")

// NormalizePhone turns a transport sender id such as "whatsapp:+56 9 1234 5678"
// into E.164. Numbers without a country code are read in region.
func NormalizePhone(sender, region string) (string, error) {
	raw := strings.TrimSpace(sender)
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[i+1:]
	}
	if raw == "" {
		return "", ErrInvalidSender
	}

	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSender, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %s", ErrInvalidSender, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
