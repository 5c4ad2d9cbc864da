package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateKey_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\t"} {
		_, err := ValidateKey(in)
		if !errors.Is(err, ErrKeyEmpty) {
			t.Errorf("ValidateKey(%q) err = %v, want ErrKeyEmpty", in, err)
		}
	}
}

func TestValidateKey_TooLong(t *testing.T) {
	_, err := ValidateKey(strings.Repeat("a", MaxKeyLen+1))
	if !errors.Is(err, ErrKeyTooLong) {
		t.Errorf("err = %v, want ErrKeyTooLong", err)
	}
	if _, err := ValidateKey(strings.Repeat("a", MaxKeyLen)); err != nil {
		t.Errorf("max boundary: err = %v", err)
	}
}

func TestValidateKey_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"leading dot", ".page.title"},
		{"trailing dot", "page.title."},
		{"empty segment", "page..title"},
		{"slash", "page/title"},
		{"colon", "page:title"},
		{"space", "page title"},
		{"unicode", "seite.überschrift"},
		{"control", "page\x00title"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateKey(tc.input)
			if !errors.Is(err, ErrKeyInvalid) {
				t.Errorf("err = %v, want ErrKeyInvalid", err)
			}
		})
	}
}

func TestValidateKey_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"page.home.title", "page.home.title"},
		{"  Page.Home.Title ", "Page.Home.Title"},
		{"errors.not_found", "errors.not_found"},
		{"nav-bar.item-1", "nav-bar.item-1"},
		{"standalone", "standalone"},
	}
	for _, tc := range tests {
		got, err := ValidateKey(tc.input)
		if err != nil {
			t.Fatalf("ValidateKey(%q) err = %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("ValidateKey(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestValidateNamespace(t *testing.T) {
	if got, err := ValidateNamespace("page.home"); err != nil || got != "page.home" {
		t.Errorf("ValidateNamespace = %q, %v", got, err)
	}
	if _, err := ValidateNamespace("page..home"); !errors.Is(err, ErrKeyInvalid) {
		t.Errorf("err = %v, want ErrKeyInvalid", err)
	}
}

func TestValidateLocale(t *testing.T) {
	valid := []string{"en", "en-US", "en_us", "zh-Hant-TW", "es-419", " fr "}
	for _, in := range valid {
		if _, err := ValidateLocale(in); err != nil {
			t.Errorf("ValidateLocale(%q) err = %v", in, err)
		}
	}
	invalid := []string{"", "e", "en-", "-en", "en--us", "1en", "en us", "en:us", "toolongtag-us", strings.Repeat("a-", 20) + "b"}
	for _, in := range invalid {
		if _, err := ValidateLocale(in); !errors.Is(err, ErrLocaleInvalid) {
			t.Errorf("ValidateLocale(%q) err = %v, want ErrLocaleInvalid", in, err)
		}
	}
}

func TestValidateValue(t *testing.T) {
	if err := ValidateValue(""); err != nil {
		t.Errorf("empty value: err = %v", err)
	}
	if err := ValidateValue("  Willkommen  "); err != nil {
		t.Errorf("err = %v", err)
	}
	if err := ValidateValue(strings.Repeat("é", MaxValueLen)); err != nil {
		t.Errorf("max boundary: err = %v", err)
	}
	if err := ValidateValue(strings.Repeat("é", MaxValueLen+1)); !errors.Is(err, ErrValueTooLong) {
		t.Errorf("err = %v, want ErrValueTooLong", err)
	}
	if err := ValidateValue("bad\xff"); !errors.Is(err, ErrValueInvalid) {
		t.Errorf("err = %v, want ErrValueInvalid", err)
	}
}

func TestValidateReason(t *testing.T) {
	if err := ValidateReason(""); err != nil {
		t.Errorf("err = %v", err)
	}
	if err := ValidateReason(strings.Repeat("x", MaxReasonLen+1)); !errors.Is(err, ErrReasonTooLong) {
		t.Errorf("err = %v, want ErrReasonTooLong", err)
	}
}
