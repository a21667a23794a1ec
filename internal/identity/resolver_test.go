package identity

import (
	"errors"
	"testing"
)

func TestPseudonymousIDIsDeterministic(t *testing.T) {
	a := PseudonymousID("T", "O", "D")
	b := PseudonymousID("T", "O", "D")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != pseudonymousHexLen {
		t.Fatalf("want %d hex chars, got %d", pseudonymousHexLen, len(a))
	}

	rotated := PseudonymousID("T", "O", "D2")
	if rotated == a {
		t.Fatal("changing the dataset id must rotate the identifier")
	}
}

func TestResolveModes(t *testing.T) {
	ctx := Context{TenantID: "tenant", ObjectID: "object", DatasetID: "dataset", Alias: "dev-01"}

	key, err := Resolve(ModeNone, ctx)
	if err != nil || key != nil {
		t.Fatalf("none mode: want nil key, got %v err %v", key, err)
	}

	key, err = Resolve(ModePseudonymous, ctx)
	if err != nil {
		t.Fatalf("pseudonymous: %v", err)
	}
	if key.Type != KeyTypePseudonymous || key.Value != PseudonymousID("tenant", "object", "dataset") {
		t.Fatalf("unexpected pseudonymous key %+v", key)
	}

	key, err = Resolve(ModeTeamAlias, ctx)
	if err != nil {
		t.Fatalf("team alias: %v", err)
	}
	if key.Value != "dev-01" || key.Type != KeyTypeTeamAlias {
		t.Fatalf("unexpected alias key %+v", key)
	}

	key, err = Resolve(ModeEntraObjectID, ctx)
	if err != nil {
		t.Fatalf("entra: %v", err)
	}
	if key.Value != "object" || key.Type != KeyTypeEntraObjectID {
		t.Fatalf("unexpected entra key %+v", key)
	}
}

func TestResolvePseudonymousRequiresInputs(t *testing.T) {
	if _, err := Resolve(ModePseudonymous, Context{TenantID: "t"}); err == nil {
		t.Fatal("expected error for incomplete pseudonymous context")
	}
}

func TestValidateAlias(t *testing.T) {
	cases := []struct {
		alias    string
		wantRule string
	}{
		{"dev-01", ""},
		{"backend-42", ""},
		{"john", "personal-name"},
		{"Smith", "personal-name"},
		{"a@b", "email-marker"},
		{"two words", "whitespace"},
		{"", "empty"},
		{"UPPER", "charset"},
		{"under_score", "charset"},
		{"this-alias-is-way-too-long-to-be-allowed-here", "length"},
	}
	for _, tc := range cases {
		err := ValidateAlias(tc.alias)
		if tc.wantRule == "" {
			if err != nil {
				t.Errorf("%q: unexpected error %v", tc.alias, err)
			}
			continue
		}
		var aliasErr *AliasError
		if !errors.As(err, &aliasErr) {
			t.Errorf("%q: want AliasError, got %v", tc.alias, err)
			continue
		}
		if aliasErr.Rule != tc.wantRule {
			t.Errorf("%q: want rule %s, got %s", tc.alias, tc.wantRule, aliasErr.Rule)
		}
	}
}
