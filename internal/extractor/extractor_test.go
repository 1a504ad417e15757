package extractor

import (
	"testing"
	"time"

	"github.com/ashureev/otp-registrar/internal/domain"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		text        string
		wantCode    string
		wantType    string
		wantPattern string
	}{
		{"six digit wins over code label", "Your code is 482913", "482913", TypeVerificationCode, "six_digit"},
		{"otp label", "OTP: 4821", "4821", TypeOTP, "otp_pattern"},
		{"otp lowercase no colon", "your otp 93812", "93812", TypeOTP, "otp_pattern"},
		{"code label short", "Code: 4821", "4821", TypeVerificationCode, "code_pattern"},
		{"code is eight digits", "the CODE IS 12345678", "12345678", TypeVerificationCode, "code_pattern"},
		{"label without digits", "confirmation code:", "", "", ""},
		{"six digit inside sentence", "Use 123456 to log in", "123456", TypeVerificationCode, "six_digit"},
		{"seven digits is not six", "ref 1234567", "", "", ""},
		{"dashed code", "WhatsApp code 123-456", "", "", ""},
		{"no match", "hello world", "", "", ""},
		{"empty", "", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if tt.wantCode == "" {
				if got != nil {
					t.Fatalf("Extract(%q) = %+v, want nil", tt.text, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("Extract(%q) = nil, want %s", tt.text, tt.wantCode)
			}
			if got.Code != tt.wantCode || got.Type != tt.wantType || got.Pattern != tt.wantPattern {
				t.Fatalf("Extract(%q) = %+v, want {%s %s %s}", tt.text, got, tt.wantCode, tt.wantType, tt.wantPattern)
			}
		})
	}
}

func TestExtractConfirmationCodeFallsToCodeRule(t *testing.T) {
	t.Parallel()

	// "confirmation code: 4821" also satisfies the earlier generic code rule.
	got := Extract("confirmation code: 4821")
	if got == nil || got.Code != "4821" || got.Pattern != "code_pattern" {
		t.Fatalf("got %+v", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	now := time.Now()
	msgs := []domain.Message{
		{Index: 0, Text: "Welcome", Timestamp: now},
		{Index: 1, Text: "Your code is 482913", Timestamp: now},
		{Index: 2, Text: "OTP: 4821", Timestamp: now},
	}

	classified := Classify(msgs)
	if len(classified) != 3 {
		t.Fatalf("len = %d", len(classified))
	}
	if classified[0].Code != "" {
		t.Errorf("message 0 code = %q", classified[0].Code)
	}
	if classified[1].Code != "482913" || classified[2].Type != TypeOTP {
		t.Errorf("unexpected classification: %+v", classified)
	}

	codes := Codes(classified)
	if len(codes) != 2 || codes[0].Index != 1 || codes[1].Index != 2 {
		t.Fatalf("Codes = %+v", codes)
	}
}
