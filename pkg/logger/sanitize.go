package logger

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Redacted replaces sensitive values in sanitized log payloads.
const Redacted = "[REDACTED]"

// SensitiveFields are key fragments whose values never reach logs. Matching is
// case-insensitive on the key name, by substring.
var SensitiveFields = []string{
	"password",
	"passwd",
	"token",
	"secret",
	"apikey",
	"api_key",
	"authorization",
	"cookie",
	"ssn",
	"socialsecurity",
	"creditcard",
	"cardnumber",
	"cvv",
	"totp",
	"privatekey",
	"private_key",
}

// Loggable is implemented by types that declare exactly which fields may be
// logged. SanitizeDataForLogging uses LogFields instead of the full value, and
// key redaction still applies to what it returns.
type Loggable interface {
	LogFields() map[string]any
}

// SanitizeDataForLogging returns a deep copy of data that is safe to log.
// Loggable values are reduced to their LogFields first. The copy is made
// through a JSON round trip, so values JSON cannot represent are dropped.
// Any key containing a SensitiveFields entry or one of extra is replaced with
// Redacted.
func SanitizeDataForLogging(data any, extra ...string) any {
	if data == nil {
		return nil
	}

	raw, err := json.Marshal(allowListed(data))
	if err != nil {
		return Redacted
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var clone any
	if err := dec.Decode(&clone); err != nil {
		return Redacted
	}

	fragments := make([]string, 0, len(SensitiveFields)+len(extra))
	fragments = append(fragments, SensitiveFields...)
	for _, f := range extra {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			fragments = append(fragments, f)
		}
	}

	return redact(clone, fragments)
}

// allowListed swaps Loggable values for their declared fields, descending
// into generic maps and slices.
func allowListed(data any) any {
	switch v := data.(type) {
	case Loggable:
		return allowListed(v.LogFields())
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = allowListed(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			out[i] = allowListed(value)
		}
		return out
	default:
		return data
	}
}

func redact(value any, fragments []string) any {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			if isSensitiveKey(key, fragments) {
				v[key] = Redacted
				continue
			}
			v[key] = redact(nested, fragments)
		}
		return v
	case []any:
		for i, nested := range v {
			v[i] = redact(nested, fragments)
		}
		return v
	default:
		return value
	}
}

func isSensitiveKey(key string, fragments []string) bool {
	key = strings.ToLower(key)
	for _, f := range fragments {
		if strings.Contains(key, f) {
			return true
		}
	}
	return false
}

// SanitizedEmail keeps the first letter of the mailbox and the top-level
// domain: "oncall@mail.com" becomes "o*****@****.com".
func SanitizedEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "[invalid-email]"
	}

	masked := local[:1] + strings.Repeat("*", len(local)-1)
	if dot := strings.LastIndex(domain, "."); dot > 0 {
		domain = strings.Repeat("*", dot) + domain[dot:]
	}
	return masked + "@" + domain
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	query := strings.ToLower(rawQuery)
	if isSensitiveKey(query, SensitiveFields) {
		return true
	}
	for _, param := range []string{"auth", "csrf", "dob"} {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
