package tablestore

import (
	"fmt"
	"strings"
)

// FilterError reports a user-controlled value that cannot be embedded in an
// OData filter expression.
type FilterError struct {
	Field  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter value for %s: %s", e.Field, e.Reason)
}

// forbiddenWords are OData operators; a value containing one of them as a
// standalone word could splice extra predicates into the expression.
var forbiddenWords = map[string]struct{}{"and": {}, "or": {}, "not": {}}

// SanitizeValue validates a user-controlled string for embedding in a filter
// and escapes embedded quotes by doubling them. Values containing the tokens
// and/or/not (case-insensitive) or newlines are rejected outright.
func SanitizeValue(field, value string) (string, error) {
	if strings.ContainsAny(value, "\r\n") {
		return "", &FilterError{Field: field, Reason: "value must not contain newlines"}
	}
	for _, word := range splitWords(value) {
		if _, ok := forbiddenWords[strings.ToLower(word)]; ok {
			return "", &FilterError{Field: field, Reason: fmt.Sprintf("value must not contain the token %q", word)}
		}
	}
	return strings.ReplaceAll(value, "'", "''"), nil
}

func splitWords(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9')
	})
}

// Filter accumulates equality clauses into an OData expression. Clause order
// is insertion order, so identical inputs serialize identically.
type Filter struct {
	clauses []string
	err     error
}

// NewFilter returns an empty filter builder.
func NewFilter() *Filter {
	return &Filter{}
}

// Equals appends a `Field eq 'value'` clause. The value passes through
// SanitizeValue; the first sanitization failure sticks and surfaces in Build.
func (f *Filter) Equals(field, value string) *Filter {
	if f.err != nil {
		return f
	}
	escaped, err := SanitizeValue(field, value)
	if err != nil {
		f.err = err
		return f
	}
	f.clauses = append(f.clauses, fmt.Sprintf("%s eq '%s'", field, escaped))
	return f
}

// Build returns the combined expression, empty when no clauses were added.
func (f *Filter) Build() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return strings.Join(f.clauses, " and "), nil
}
