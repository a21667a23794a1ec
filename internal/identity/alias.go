package identity

import (
	"fmt"
	"strings"
)

// AliasError reports which rule a user-supplied alias violated. The value is
// never silently rewritten; the user must pick a compliant alias.
type AliasError struct {
	Rule   string
	Detail string
}

func (e *AliasError) Error() string {
	return fmt.Sprintf("invalid team alias (%s): %s", e.Rule, e.Detail)
}

const maxAliasLen = 32

// commonNames lists frequent given/family names an alias must not equal, to
// keep obviously personal identifiers out of the shared dataset.
var commonNames = map[string]struct{}{
	"james": {}, "john": {}, "robert": {}, "michael": {}, "william": {},
	"david": {}, "richard": {}, "joseph": {}, "thomas": {}, "charles": {},
	"mary": {}, "patricia": {}, "jennifer": {}, "linda": {}, "elizabeth": {},
	"barbara": {}, "susan": {}, "jessica": {}, "sarah": {}, "karen": {},
	"smith": {}, "johnson": {}, "williams": {}, "brown": {}, "jones": {},
	"garcia": {}, "miller": {}, "davis": {}, "rodriguez": {}, "martinez": {},
	"anna": {}, "peter": {}, "paul": {}, "mark": {}, "laura": {},
	"kevin": {}, "brian": {}, "emma": {}, "olivia": {}, "daniel": {},
}

// ValidateAlias enforces the PII-avoidance policy for team aliases:
// no email markers, no whitespace, not a common personal name, at most 32
// characters, lowercase alphanumerics and hyphens only.
func ValidateAlias(alias string) error {
	if alias == "" {
		return &AliasError{Rule: "empty", Detail: "alias must not be empty"}
	}
	if strings.Contains(alias, "@") {
		return &AliasError{Rule: "email-marker", Detail: "alias must not contain '@'"}
	}
	if strings.ContainsAny(alias, " \t\r\n") {
		return &AliasError{Rule: "whitespace", Detail: "alias must not contain whitespace"}
	}
	if len(alias) > maxAliasLen {
		return &AliasError{Rule: "length", Detail: fmt.Sprintf("alias exceeds %d characters", maxAliasLen)}
	}
	if _, ok := commonNames[strings.ToLower(alias)]; ok {
		return &AliasError{Rule: "personal-name", Detail: "alias looks like a personal name"}
	}
	for _, r := range alias {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return &AliasError{Rule: "charset", Detail: fmt.Sprintf("alias contains disallowed character %q", r)}
	}
	return nil
}
