// Package otp acquires one-time passcodes from an SMS activation provider.
package otp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// RawStatus is a provider response: either a bare string or a structured payload.
type RawStatus struct {
	Text       string
	Fields     map[string]any
	Structured bool
}

// TextStatus wraps a bare string response.
func TextStatus(s string) RawStatus {
	return RawStatus{Text: s}
}

// StructuredStatus wraps a decoded payload.
func StructuredStatus(fields map[string]any) RawStatus {
	return RawStatus{Fields: fields, Structured: true}
}

// String renders the response for logs with digit runs masked.
func (r RawStatus) String() string {
	if !r.Structured {
		return maskDigits(r.Text)
	}
	raw, _ := json.Marshal(r.Fields)
	return maskDigits(string(raw))
}

// State is the outcome of parsing one provider response.
type State int

const (
	// StateWaiting means the code has not arrived yet.
	StateWaiting State = iota
	// StateCode means Result.Code holds the delivered code.
	StateCode
	// StateTerminal means the activation will never deliver a code.
	StateTerminal
)

// Result is a parsed provider response.
type Result struct {
	State  State
	Code   string
	Reason string
}

var codeRun = regexp.MustCompile(`\b(\d{4,8})\b`)

var terminalTokens = []string{
	"STATUS_CANCEL",
	"NO_ACTIVATION",
	"BAD_STATUS",
	"BAD_KEY",
	"BAD_ACTION",
	"BAD_SERVICE",
	"WRONG_ACTIVATION_ID",
	"ERROR_SQL",
	"BANNED",
	"ACCOUNT_INACTIVE",
}

var okIndicators = []string{"STATUS_OK", "OK", "SUCCESS", "RECEIVED", "COMPLETED"}

// ParseStatus interprets a provider response. A bare string yields any 4–8
// digit run as the code. A structured payload needs an OK indicator too.
func ParseStatus(raw RawStatus) Result {
	if !raw.Structured {
		return parseText(raw.Text)
	}
	return parseFields(raw.Fields)
}

func parseText(text string) Result {
	if m := codeRun.FindStringSubmatch(text); m != nil {
		return Result{State: StateCode, Code: m[1], Reason: "text"}
	}
	if reason, ok := terminal(text); ok {
		return Result{State: StateTerminal, Reason: reason}
	}
	return Result{State: StateWaiting, Reason: strings.TrimSpace(text)}
}

func parseFields(fields map[string]any) Result {
	status := firstString(fields, "status", "code", "state")
	message := firstString(fields, "message", "text", "sms", "body")

	if reason, ok := terminal(status); ok {
		return Result{State: StateTerminal, Reason: reason}
	}
	if strings.Contains(strings.ToLower(message), "cancel") {
		return Result{State: StateTerminal, Reason: "cancelled"}
	}

	if hasOKIndicator(fields, status) {
		if code := findCode(fields); code != "" {
			return Result{State: StateCode, Code: code, Reason: "payload"}
		}
	}

	if status == "" {
		status = "unknown"
	}
	return Result{State: StateWaiting, Reason: status}
}

func terminal(s string) (string, bool) {
	upper := strings.ToUpper(s)
	for _, tok := range terminalTokens {
		if strings.Contains(upper, tok) {
			return tok, true
		}
	}
	return "", false
}

func hasOKIndicator(fields map[string]any, status string) bool {
	upper := strings.ToUpper(strings.TrimSpace(status))
	if strings.HasPrefix(upper, "STATUS_OK") {
		return true
	}
	for _, ind := range okIndicators {
		if upper == ind {
			return true
		}
	}
	for _, key := range []string{"ok", "success"} {
		if b, isBool := fields[key].(bool); isBool && b {
			return true
		}
	}
	for _, v := range fields {
		if str, isStr := v.(string); isStr && strings.Contains(strings.ToUpper(str), "STATUS_OK") {
			return true
		}
	}
	return false
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok && v != nil {
			if s, isStr := v.(string); isStr {
				return s
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// messageKeys are searched for the code before any other field.
var messageKeys = []string{"sms", "text", "message", "body", "code"}

// findCode looks for a digit run in the message fields first, then in the
// remaining fields in key order. Timestamp, id and number fields are skipped.
func findCode(fields map[string]any) string {
	for _, k := range messageKeys {
		if m := codeRun.FindStringSubmatch(flatten(fields[k])); m != nil {
			return m[1]
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if slices.Contains(messageKeys, k) || metadataKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m := codeRun.FindStringSubmatch(flatten(fields[k])); m != nil {
			return m[1]
		}
	}
	return ""
}

func metadataKey(key string) bool {
	k := strings.ToLower(key)
	return k == "id" || strings.HasSuffix(k, "id") || strings.HasSuffix(k, "_at") ||
		strings.Contains(k, "time") || strings.Contains(k, "date") ||
		strings.Contains(k, "phone") || strings.Contains(k, "number")
}

func flatten(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func maskDigits(s string) string {
	return codeRun.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Repeat("*", len(m))
	})
}

// Mask hides all but the last two digits of a code.
func Mask(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}
