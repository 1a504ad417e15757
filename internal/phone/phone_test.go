package phone

import "testing"

func TestValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"+14155550100", true},
		{"14155550100", true},
		{"+12", true},
		{"+123456789012345", true},
		{"+1234567890123456", false},
		{"+0123456", false},
		{"0123456", false},
		{"+1", false},
		{"", false},
		{"+1 415-555-0100", false},
		{"++14155550100", false},
		{"+1415555010a", false},
		{" +14155550100", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Valid(tt.in); got != tt.want {
				t.Fatalf("Valid(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if err := Validate(tt.in); (err == nil) != tt.want {
				t.Fatalf("Validate(%q) error = %v", tt.in, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"+1 415-555-0100":   "14155550100",
		"+14155550100":      "14155550100",
		"(415) 555.0100":    "4155550100",
		"":                  "",
		"no digits at all":  "",
		"+44 20 7946 0958 ": "442079460958",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCountryCode(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"+14155550100":  "1",
		"+447911123456": "44",
		"+971501234567": "971",
		"+79161234567":  "7",
		"":              "",
	}
	for in, want := range tests {
		if got := CountryCode(in); got != want {
			t.Errorf("CountryCode(%q) = %q, want %q", in, got, want)
		}
	}

	if got := NationalNumber("+14155550100", "1"); got != "4155550100" {
		t.Errorf("NationalNumber = %q", got)
	}
	if got := NationalNumber("4155550100", "44"); got != "4155550100" {
		t.Errorf("NationalNumber without prefix = %q", got)
	}
}
