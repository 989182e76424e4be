package whatsapp

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PhoneRule is one market's numbering convention: the country code, an
// optional digit that must follow it for mobile numbers, and the length of the
// national number. Mexico is {52, 1, 10}: "5551234567" -> "5215551234567".
type PhoneRule struct {
	Region         string `yaml:"region"`
	CountryCode    string `yaml:"country_code"`
	MobilePrefix   string `yaml:"mobile_prefix"`
	NationalLength int    `yaml:"national_length"`
}

// DefaultPhoneRule is used when nothing else is configured.
var DefaultPhoneRule = PhoneRule{Region: "MX", CountryCode: "52", MobilePrefix: "1", NationalLength: 10}

// Canonicalize normalizes raw to the digits-only form the channel addresses.
// It is pure and idempotent. Malformed input gets a best-effort prefix rather
// than an error; an input with no digits at all yields "".
func (r PhoneRule) Canonicalize(raw string) string {
	digits := onlyDigits(raw)
	if digits == "" {
		return ""
	}

	full := r.CountryCode + r.MobilePrefix
	switch {
	case strings.HasPrefix(digits, full) && len(digits) == len(full)+r.NationalLength:
		return digits
	case strings.HasPrefix(digits, r.CountryCode) && !strings.HasPrefix(digits, full) &&
		len(digits) == len(r.CountryCode)+r.NationalLength:
		return full + digits[len(r.CountryCode):]
	case len(digits) == r.NationalLength && !strings.HasPrefix(digits, full):
		// A national number that happens to begin with the country code.
		// Anything already carrying the full prefix is left alone so a
		// second pass cannot prefix it again.
		return full + digits
	case strings.HasPrefix(digits, r.CountryCode):
		return digits
	default:
		return full + digits
	}
}

func (r PhoneRule) validate() error {
	if r.CountryCode == "" || onlyDigits(r.CountryCode) != r.CountryCode {
		return fmt.Errorf("region %q: country_code must be digits", r.Region)
	}
	if onlyDigits(r.MobilePrefix) != r.MobilePrefix {
		return fmt.Errorf("region %q: mobile_prefix must be digits", r.Region)
	}
	if r.NationalLength <= 0 {
		return fmt.Errorf("region %q: national_length must be positive", r.Region)
	}
	return nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// PhonePlan resolves the rule for a tenant's region.
type PhonePlan struct {
	def   PhoneRule
	rules map[string]PhoneRule
}

func NewPhonePlan(def PhoneRule, extra ...PhoneRule) (*PhonePlan, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	p := &PhonePlan{def: def, rules: map[string]PhoneRule{strings.ToUpper(def.Region): def}}
	for _, r := range extra {
		if err := r.validate(); err != nil {
			return nil, err
		}
		p.rules[strings.ToUpper(r.Region)] = r
	}
	return p, nil
}

type phonePlanFile struct {
	Default string      `yaml:"default"`
	Regions []PhoneRule `yaml:"regions"`
}

// LoadPhonePlan reads extra region rules from a YAML file. The file may name
// one of its regions as the default; otherwise def stays the default.
func LoadPhonePlan(path string, def PhoneRule) (*PhonePlan, error) {
	if path == "" {
		return NewPhonePlan(def)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read phone regions: %w", err)
	}
	var f phonePlanFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse phone regions: %w", err)
	}
	// The configured rule stays addressable by its region name.
	rules := append([]PhoneRule{def}, f.Regions...)
	if f.Default != "" {
		for _, r := range f.Regions {
			if strings.EqualFold(r.Region, f.Default) {
				def = r
				break
			}
		}
	}
	return NewPhonePlan(def, rules...)
}

// For returns the rule for region, falling back to the default.
func (p *PhonePlan) For(region string) PhoneRule {
	if r, ok := p.rules[strings.ToUpper(region)]; ok && region != "" {
		return r
	}
	return p.def
}

func (p *PhonePlan) Default() PhoneRule {
	return p.def
}
