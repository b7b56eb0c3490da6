package library

import (
	"fmt"
	"strings"
)

// NormalizeISBN strips hyphens and spaces and checks the result is a valid
// ISBN-13: thirteen digits, a 978/979 prefix and a correct check digit.
func NormalizeISBN(raw string) (string, error) {
	isbn := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if len(isbn) != 13 {
		return "", fmt.Errorf("%w: isbn %q must have 13 digits", ErrValidation, raw)
	}
	if !strings.HasPrefix(isbn, "978") && !strings.HasPrefix(isbn, "979") {
		return "", fmt.Errorf("%w: isbn %q must start with 978 or 979", ErrValidation, raw)
	}

	sum := 0
	for i, r := range isbn {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: isbn %q contains a non-digit", ErrValidation, raw)
		}
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	if sum%10 != 0 {
		return "", fmt.Errorf("%w: isbn %q has a bad check digit", ErrValidation, raw)
	}
	return isbn, nil
}

// IsISBN13 reports whether raw is a well-formed ISBN-13.
func IsISBN13(raw string) bool {
	_, err := NormalizeISBN(raw)
	return err == nil
}
