package service

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	appErrors "github.com/unclebandit/smsdispatch/internal/errors"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "US"

// NormalizeE164 parses a user-supplied number into E.164. Numbers without a
// leading '+' are read in region, or DefaultRegion when region is empty.
func NormalizeE164(raw, region string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", appErrors.ErrInvalidPhone)
	}
	if region == "" {
		region = DefaultRegion
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", appErrors.ErrInvalidPhone, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", appErrors.ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// ValidRegion reports whether region is a CLDR region the parser has
// metadata for.
func ValidRegion(region string) bool {
	return phonenumbers.GetCountryCodeForRegion(strings.ToUpper(region)) != 0
}
