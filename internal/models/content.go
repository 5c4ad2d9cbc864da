package models

import (
	"strings"
	"time"
)

// Actor identifies the caller that made a change. It is recorded on versions
// and never interpreted.
type Actor string

type ContentKey struct {
	Key       string    `json:"key"`
	Namespace string    `json:"namespace"`
	CreatedAt time.Time `json:"createdAt"`
}

// Translation is the value of one key in one locale.
type Translation struct {
	Key       string    `json:"key"`
	Namespace string    `json:"namespace"`
	Locale    string    `json:"locale"`
	Value     string    `json:"value"`
	Published bool      `json:"published"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Version is a snapshot of a translation's value before a change.
type Version struct {
	ID        int64     `json:"id"`
	Key       string    `json:"key"`
	Locale    string    `json:"locale"`
	Value     string    `json:"value"`
	Actor     Actor     `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// LocalizedValue is the per-locale input to key creation.
type LocalizedValue struct {
	Value     string `json:"value"`
	Published bool   `json:"published"`
}

// NormalizeKey returns the canonical form of a content key: trimmed and lowercase.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// NormalizeLocale returns the canonical form of a locale tag ("en_US" -> "en-us").
func NormalizeLocale(locale string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(locale)), "_", "-")
}

// DeriveNamespace returns all but the last dot-segment of key, or key itself
// when it has no dot.
func DeriveNamespace(key string) string {
	key = NormalizeKey(key)
	if i := strings.LastIndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}
