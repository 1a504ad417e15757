// Package extractor finds verification codes in message text.
package extractor

import (
	"regexp"

	"github.com/ashureev/otp-registrar/internal/domain"
)

// Code types.
const (
	TypeVerificationCode = "verification_code"
	TypeOTP              = "otp"
	TypeConfirmationCode = "confirmation_code"
)

// Match is the first code found in a message.
type Match struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Pattern string `json:"pattern"`
}

type rule struct {
	re      *regexp.Regexp
	typ     string
	pattern string
}

// Order is the tie-break: a bare 6-digit run wins over a labelled shorter code.
var rules = []rule{
	{regexp.MustCompile(`\b(\d{6})\b`), TypeVerificationCode, "six_digit"},
	{regexp.MustCompile(`(?i)code\s*(?:is|:)?\s*(\d{4,8})\b`), TypeVerificationCode, "code_pattern"},
	{regexp.MustCompile(`(?i)otp\s*:?\s*(\d{4,8})\b`), TypeOTP, "otp_pattern"},
	{regexp.MustCompile(`(?i)confirmation\s+code\s*:?\s*(\d{4,8})\b`), TypeConfirmationCode, "confirmation_pattern"},
}

// Extract returns the first rule match in text, or nil.
func Extract(text string) *Match {
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(text); m != nil {
			return &Match{Code: m[1], Type: r.typ, Pattern: r.pattern}
		}
	}
	return nil
}

// ClassifiedMessage is a stored message annotated at read time.
type ClassifiedMessage struct {
	domain.Message
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// Classify annotates every message with its extracted code, if any.
func Classify(messages []domain.Message) []ClassifiedMessage {
	out := make([]ClassifiedMessage, 0, len(messages))
	for _, m := range messages {
		cm := ClassifiedMessage{Message: m}
		if match := Extract(m.Text); match != nil {
			cm.Code = match.Code
			cm.Type = match.Type
			cm.Pattern = match.Pattern
		}
		out = append(out, cm)
	}
	return out
}

// Codes returns only the messages that carry a code.
func Codes(messages []ClassifiedMessage) []ClassifiedMessage {
	var out []ClassifiedMessage
	for _, m := range messages {
		if m.Code != "" {
			out = append(out, m)
		}
	}
	return out
}
