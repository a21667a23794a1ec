package sharing

import (
	"fmt"
	"strings"
	"time"
)

// Profile names a disclosure level for rows uploaded to the shared table.
type Profile string

const (
	// ProfileOff disables uploading entirely.
	ProfileOff Profile = "off"
	// ProfileSoloFull uploads fully identified rows to a personal dataset.
	ProfileSoloFull Profile = "solo_full"
	// ProfileTeamAnonymized uploads rows with no user id and hashed
	// workspace/machine dimensions.
	ProfileTeamAnonymized Profile = "team_anonymized"
	// ProfileTeamPseudonymous uploads rows keyed by a pseudonymous user id.
	ProfileTeamPseudonymous Profile = "team_pseudonymous"
	// ProfileTeamIdentified uploads rows keyed by the real directory object id
	// or alias, including display names.
	ProfileTeamIdentified Profile = "team_identified"
)

// Policy is the disclosure behavior applied to every row built under a profile.
type Policy struct {
	IncludeUserID        bool
	HashWorkspaceMachine bool
	IncludeNames         bool
}

// policies is the single source of truth consulted by the rollup builder.
// Every profile must have an entry; a missing one is a programming error.
var policies = map[Profile]Policy{
	ProfileOff:              {IncludeUserID: false, HashWorkspaceMachine: true, IncludeNames: false},
	ProfileSoloFull:         {IncludeUserID: true, HashWorkspaceMachine: false, IncludeNames: true},
	ProfileTeamAnonymized:   {IncludeUserID: false, HashWorkspaceMachine: true, IncludeNames: false},
	ProfileTeamPseudonymous: {IncludeUserID: true, HashWorkspaceMachine: true, IncludeNames: false},
	ProfileTeamIdentified:   {IncludeUserID: true, HashWorkspaceMachine: false, IncludeNames: true},
}

// disclosureRank orders profiles from least to most disclosive. Moving up the
// ranking requires explicit consent; moving down does not.
var disclosureRank = map[Profile]int{
	ProfileOff:              0,
	ProfileSoloFull:         1,
	ProfileTeamAnonymized:   2,
	ProfileTeamPseudonymous: 3,
	ProfileTeamIdentified:   4,
}

// Apply returns the disclosure policy for the profile. It panics on an unknown
// profile: callers are expected to hold a parsed Profile.
func Apply(profile Profile) Policy {
	p, ok := policies[profile]
	if !ok {
		panic(fmt.Sprintf("sharing: no policy defined for profile %q", profile))
	}
	return p
}

// ParseProfile normalizes and validates a profile string from configuration.
func ParseProfile(raw string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := policies[p]; !ok {
		return "", fmt.Errorf("unknown sharing profile %q", raw)
	}
	return p, nil
}

// MoreDisclosive reports whether switching from current to next widens
// disclosure and therefore requires consent before the next sync applies it.
func MoreDisclosive(current, next Profile) bool {
	return disclosureRank[next] > disclosureRank[current]
}

// State tracks the active profile together with the consent that authorized
// it. Future rows only; history already uploaded is unaffected by changes.
type State struct {
	Profile   Profile
	ConsentAt *time.Time
}

// ErrConsentRequired is returned when a transition to a more disclosive
// profile is attempted without a consent timestamp.
type ErrConsentRequired struct {
	From Profile
	To   Profile
}

func (e *ErrConsentRequired) Error() string {
	return fmt.Sprintf("switching from %s to %s requires explicit consent", e.From, e.To)
}

// Transition applies a profile change. Narrowing disclosure always succeeds
// and clears the consent timestamp. Widening disclosure requires a non-zero
// consent time, which is recorded and stamped onto subsequent rows.
func (s State) Transition(next Profile, consentAt time.Time) (State, error) {
	if !MoreDisclosive(s.Profile, next) {
		return State{Profile: next}, nil
	}
	if consentAt.IsZero() {
		return s, &ErrConsentRequired{From: s.Profile, To: next}
	}
	ts := consentAt.UTC()
	return State{Profile: next, ConsentAt: &ts}, nil
}
