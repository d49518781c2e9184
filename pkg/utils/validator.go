package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds reference types and IDs accepted from callers
const MaxIdentifierLength = 128

var controlChars = regexp.MustCompile(`[\x00-\x1f\x7f]`)

// ValidateIdentifier checks a caller-supplied identifier such as a reference ID
func ValidateIdentifier(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters", field, MaxIdentifierLength)
	}
	if controlChars.MatchString(value) {
		return fmt.Errorf("%s contains control characters", field)
	}
	return nil
}

// SanitizeString removes control characters and surrounding whitespace
func SanitizeString(s string) string {
	return strings.TrimSpace(controlChars.ReplaceAllString(s, ""))
}
