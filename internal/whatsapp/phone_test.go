package whatsapp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalizeMexico(t *testing.T) {
	r := DefaultPhoneRule
	tests := []struct {
		in   string
		want string
	}{
		{"5551234567", "5215551234567"},
		{"525551234567", "5215551234567"},
		{"5215551234567", "5215551234567"},
		{"+52 1 (555) 123-4567", "5215551234567"},
		{"+52 555 123 4567", "5215551234567"},
		{"", ""},
		{"abc", ""},
		{"12345", "52112345"},
		{"52123", "52123"},
		{"5252345678", "5215252345678"},
		{"5212345678", "5212345678"},
		{"1234567", "5211234567"},
	}
	for _, tt := range tests {
		if got := r.Canonicalize(tt.in); got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	rules := []PhoneRule{
		DefaultPhoneRule,
		{Region: "AR", CountryCode: "54", MobilePrefix: "9", NationalLength: 10},
		{Region: "PE", CountryCode: "51", MobilePrefix: "", NationalLength: 9},
	}
	inputs := []string{
		"5551234567", "525551234567", "5215551234567", "123", "52", "521",
		"999888777", "51999888777", "1123456789", "5491123456789", "00",
		"+1 (202) 555-0100", "5212345678901234", "1234567", "5212345678",
		"5252345678", "12345678",
	}
	for _, r := range rules {
		for _, in := range inputs {
			once := r.Canonicalize(in)
			if twice := r.Canonicalize(once); twice != once {
				t.Errorf("%s: Canonicalize(%q) = %q, again = %q", r.Region, in, once, twice)
			}
		}
	}
}

func TestCanonicalizeWithoutMobilePrefix(t *testing.T) {
	pe := PhoneRule{Region: "PE", CountryCode: "51", NationalLength: 9}
	if got := pe.Canonicalize("999888777"); got != "51999888777" {
		t.Fatalf("got %q", got)
	}
	if got := pe.Canonicalize("51999888777"); got != "51999888777" {
		t.Fatalf("got %q", got)
	}
}

func TestPhonePlanFallsBackToDefault(t *testing.T) {
	plan, err := NewPhonePlan(DefaultPhoneRule,
		PhoneRule{Region: "ar", CountryCode: "54", MobilePrefix: "9", NationalLength: 10})
	if err != nil {
		t.Fatalf("NewPhonePlan: %v", err)
	}
	if got := plan.For("AR").CountryCode; got != "54" {
		t.Fatalf("AR country code = %q", got)
	}
	if got := plan.For("").Region; got != "MX" {
		t.Fatalf("empty region = %q", got)
	}
	if got := plan.For("ZZ").Region; got != "MX" {
		t.Fatalf("unknown region = %q", got)
	}
}

func TestNewPhonePlanRejectsBadRule(t *testing.T) {
	if _, err := NewPhonePlan(PhoneRule{Region: "XX", CountryCode: "+1", NationalLength: 10}); err == nil {
		t.Fatal("expected error for non-digit country code")
	}
	if _, err := NewPhonePlan(PhoneRule{Region: "XX", CountryCode: "1"}); err == nil {
		t.Fatal("expected error for zero national length")
	}
}

func TestLoadPhonePlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.yaml")
	data := []byte(`default: PE
regions:
  - region: PE
    country_code: "51"
    mobile_prefix: ""
    national_length: 9
  - region: AR
    country_code: "54"
    mobile_prefix: "9"
    national_length: 10
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := LoadPhonePlan(path, DefaultPhoneRule)
	if err != nil {
		t.Fatalf("LoadPhonePlan: %v", err)
	}
	if got := plan.Default().Region; got != "PE" {
		t.Fatalf("default = %q, want PE", got)
	}
	if got := plan.For("AR").Canonicalize("1123456789"); got != "5491123456789" {
		t.Fatalf("AR = %q", got)
	}
	if got := plan.For("MX").Canonicalize("5551234567"); got != "5215551234567" {
		t.Fatalf("MX = %q", got)
	}
}

func TestLoadPhonePlanEmptyPath(t *testing.T) {
	plan, err := LoadPhonePlan("", DefaultPhoneRule)
	if err != nil {
		t.Fatalf("LoadPhonePlan: %v", err)
	}
	if plan.Default() != DefaultPhoneRule {
		t.Fatal("expected the default rule")
	}
}
