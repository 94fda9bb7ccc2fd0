package secrets

import (
	"sort"
	"strings"
)

// Mask replaces secret values in redacted output.
const Mask = "[REDACTED]"

// Redactor scrubs known secret values from text before it is logged or
// persisted. Values are matched longest-first so that overlapping secrets
// (one being a substring of another) are fully masked.
type Redactor struct {
	values []string
}

// NewRedactor creates a redactor over the given secret values. Empty and
// single-character values are ignored; masking those would mangle ordinary
// output without hiding anything.
func NewRedactor(values []string) *Redactor {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if len(v) > 1 {
			kept = append(kept, v)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return len(kept[i]) > len(kept[j]) })
	return &Redactor{values: kept}
}

// Redact returns text with every known secret value replaced by Mask.
func (r *Redactor) Redact(text string) string {
	if r == nil || len(r.values) == 0 {
		return text
	}
	for _, v := range r.values {
		text = strings.ReplaceAll(text, v, Mask)
	}
	return text
}

// RedactErr redacts an error's message, returning it as a string. A nil
// error yields the empty string.
func (r *Redactor) RedactErr(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}
