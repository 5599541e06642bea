package compliance

import (
	"regexp"
	"strings"
)

type rule struct {
	re      *regexp.Regexp
	replace func(string) string
}

func fixed(s string) func(string) string { return func(string) string { return s } }

// Redactor masks personally identifying content in transcript text.
// Rules run in order; later rules never see content masked by earlier ones.
type Redactor struct {
	rules []rule
}

func NewRedactor() *Redactor {
	return &Redactor{rules: []rule{
		{re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), replace: fixed("XXX-XX-XXXX")},
		{re: regexp.MustCompile(`\b\d{13,19}\b`), replace: func(m string) string {
			return m[:4] + strings.Repeat("X", len(m)-4)
		}},
		{re: regexp.MustCompile(`\bAKIA\w{12,}\b`), replace: fixed("[REDACTED_KEY]")},
		{re: regexp.MustCompile(`\bsk-\w{20,}\b`), replace: fixed("[REDACTED_KEY]")},
		{re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), replace: fixed("[EMAIL]")},
		{re: regexp.MustCompile(`\+\d{10,15}`), replace: fixed("[PHONE]")},
		{re: regexp.MustCompile(`\b\d{4,6}\b`), replace: fixed("****")},
	}}
}

// Redact returns text with every rule applied.
func (r *Redactor) Redact(text string) string {
	for _, ru := range r.rules {
		text = ru.re.ReplaceAllStringFunc(text, ru.replace)
	}
	return text
}

// ContainsPII reports whether any rule matches text.
func (r *Redactor) ContainsPII(text string) bool {
	if text == "" {
		return false
	}
	for _, ru := range r.rules {
		if ru.re.MatchString(text) {
			return true
		}
	}
	return false
}

// SanitizeForLog strips line breaks and masks PII so caller text can be
// logged without forging entries.
func (r *Redactor) SanitizeForLog(text string) string {
	text = strings.NewReplacer("\n", " ", "\r", " ").Replace(text)
	return r.Redact(text)
}
