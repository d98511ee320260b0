package scanning

import (
	"errors"
	"strings"
)

// AccessKeyLength is the number of digits in an NF-e access key
const AccessKeyLength = 44

// ErrInvalidAccessKey is returned when an access key is not exactly 44 digits
var ErrInvalidAccessKey = errors.New("access key must be exactly 44 digits")

// NormalizeAccessKey removes the grouping characters printed on DANFEs
// (spaces, dots, hyphens). Anything else is left alone so a malformed key
// stays malformed.
func NormalizeAccessKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '.', '-':
			return -1
		}
		return r
	}, key)
}

// ValidAccessKey reports whether key is exactly 44 ASCII digits
func ValidAccessKey(key string) bool {
	if len(key) != AccessKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < '0' || key[i] > '9' {
			return false
		}
	}
	return true
}
