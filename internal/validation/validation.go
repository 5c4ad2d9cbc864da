package validation

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Length limits applied at the HTTP boundary.
const (
	MaxKeyLen    = 200
	MaxLocaleLen = 35
	MaxValueLen  = 10_000
	MaxReasonLen = 500
)

var (
	// ErrKeyEmpty is returned when a key or namespace is empty after trim.
	ErrKeyEmpty = errors.New("key is required")
	// ErrKeyTooLong is returned when a key or namespace exceeds MaxKeyLen.
	ErrKeyTooLong = errors.New("key too long")
	// ErrKeyInvalid is returned for disallowed characters or empty dot segments.
	ErrKeyInvalid = errors.New("key must be dot-separated segments of letters, digits, '_' or '-'")
	// ErrLocaleInvalid is returned when a locale is not a short language tag.
	ErrLocaleInvalid = errors.New("locale must be a language tag such as en or en-US")
	// ErrValueTooLong is returned when a value exceeds MaxValueLen runes.
	ErrValueTooLong = errors.New("value too long")
	// ErrValueInvalid is returned when a value is not valid UTF-8.
	ErrValueInvalid = errors.New("value must be valid UTF-8")
	// ErrReasonTooLong is returned when a reason exceeds MaxReasonLen runes.
	ErrReasonTooLong = errors.New("reason too long")
)

// ValidateKey trims input and checks it is a dotted content key such as
// page.home.title. Case is preserved; normalization is left to the store.
func ValidateKey(input string) (string, error) {
	return validateDotted(input)
}

// ValidateNamespace applies the key rules to a namespace.
func ValidateNamespace(input string) (string, error) {
	return validateDotted(input)
}

func validateDotted(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrKeyEmpty
	}
	if len(s) > MaxKeyLen {
		return "", ErrKeyTooLong
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return "", ErrKeyInvalid
		}
		for i := 0; i < len(seg); i++ {
			if !isSegmentByte(seg[i]) {
				return "", ErrKeyInvalid
			}
		}
	}
	return s, nil
}

func isSegmentByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '-':
		return true
	}
	return false
}

// ValidateLocale trims input and checks it looks like a BCP 47 tag: an
// alphabetic primary subtag of 2-8 letters followed by alphanumeric subtags
// separated by '-' or '_'.
func ValidateLocale(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" || len(s) > MaxLocaleLen {
		return "", ErrLocaleInvalid
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	if len(parts) == 0 || strings.Count(s, "-")+strings.Count(s, "_") != len(parts)-1 {
		return "", ErrLocaleInvalid
	}
	for i, p := range parts {
		if len(p) > 8 {
			return "", ErrLocaleInvalid
		}
		for j := 0; j < len(p); j++ {
			c := p[j]
			letter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
			digit := c >= '0' && c <= '9'
			if i == 0 && !letter {
				return "", ErrLocaleInvalid
			}
			if !letter && !digit {
				return "", ErrLocaleInvalid
			}
		}
		if i == 0 && len(p) < 2 {
			return "", ErrLocaleInvalid
		}
	}
	return s, nil
}

// ValidateValue checks a translation value. Values are stored verbatim, so
// no trimming happens here.
func ValidateValue(value string) error {
	if !utf8.ValidString(value) {
		return ErrValueInvalid
	}
	if utf8.RuneCountInString(value) > MaxValueLen {
		return ErrValueTooLong
	}
	return nil
}

// ValidateReason checks the optional freeform reason attached to an update.
func ValidateReason(reason string) error {
	if utf8.RuneCountInString(reason) > MaxReasonLen {
		return ErrReasonTooLong
	}
	return nil
}
