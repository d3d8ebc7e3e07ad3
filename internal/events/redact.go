package events

import (
	"regexp"
	"strings"
)

// Redacted is the literal that replaces sensitive values.
const Redacted = "[REDACTED]"

// keyDenylist contains payload keys whose values are always masked.
// Matching is case-insensitive and exact: "code" masks "code" but not
// "reason_code" or "status_code".
var keyDenylist = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"password":      true,
	"secret":        true,
	"api_key":       true,
	"qr_code":       true,
	"qrcode":        true,
	"pairing_code":  true,
	"code":          true,
}

// valuePatterns match secret-shaped values regardless of key name: bearer
// tokens, provider key prefixes, and long random-looking blobs.
var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^bearer\s+\S+$`),
	regexp.MustCompile(`^(sk|pk|rk|xox[a-z])[-_][A-Za-z0-9_-]{16,}$`),
	regexp.MustCompile(`^eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), // JWT shape
	regexp.MustCompile(`^[A-Za-z0-9+/=_-]{48,}$`),
}

// phonePattern matches international phone-number shapes; redaction keeps
// the last four digits.
var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{6,18}[0-9]$`)

// RedactPayload returns a deep copy of payload with sensitive keys and
// secret-shaped values replaced by the redaction literal. The input is
// never modified.
func RedactPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = redactValue(k, inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(key, inner)
		}
		return out
	case string:
		return redactString(key, val)
	default:
		if keyDenylist[strings.ToLower(key)] {
			return Redacted
		}
		return v
	}
}

func redactString(key, val string) string {
	if keyDenylist[strings.ToLower(key)] {
		return Redacted
	}
	if phonePattern.MatchString(val) {
		return maskPhone(val)
	}
	for _, p := range valuePatterns {
		if p.MatchString(val) {
			return Redacted
		}
	}
	return val
}

// maskPhone keeps the last four digits of a phone number.
func maskPhone(val string) string {
	digits := make([]byte, 0, len(val))
	for i := 0; i < len(val); i++ {
		if val[i] >= '0' && val[i] <= '9' {
			digits = append(digits, val[i])
		}
	}
	if len(digits) <= 4 {
		return Redacted
	}
	return Redacted + string(digits[len(digits)-4:])
}
