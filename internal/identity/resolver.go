package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Mode selects how (and whether) a user identifier is derived for uploads.
type Mode string

const (
	ModeNone          Mode = "none"
	ModePseudonymous  Mode = "pseudonymous"
	ModeTeamAlias     Mode = "team_alias"
	ModeEntraObjectID Mode = "entra_object_id"
)

// KeyType records which derivation produced a user key. Stored alongside the
// row so readers can interpret the identifier.
type KeyType string

const (
	KeyTypePseudonymous  KeyType = "pseudonymous"
	KeyTypeTeamAlias     KeyType = "teamAlias"
	KeyTypeEntraObjectID KeyType = "entraObjectId"
)

// Context carries the stable inputs a key is derived from. Keys are computed
// fresh each sync and never persisted in any other form.
type Context struct {
	TenantID  string
	ObjectID  string
	DatasetID string
	Alias     string
}

// Key is the derived user identifier attached to uploaded rows.
type Key struct {
	Value string
	Type  KeyType
}

// pseudonymousHexLen truncates the SHA-256 digest to a short stable prefix.
// Rotation is only possible by changing the dataset id.
const pseudonymousHexLen = 16

// ParseMode normalizes and validates an identity mode string.
func ParseMode(raw string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case ModeNone, ModePseudonymous, ModeTeamAlias, ModeEntraObjectID:
		return m, nil
	}
	return "", fmt.Errorf("unknown identity mode %q", raw)
}

// Resolve derives the user key for the given mode. A nil key with nil error
// means no user id is emitted (ModeNone).
func Resolve(mode Mode, ctx Context) (*Key, error) {
	switch mode {
	case ModeNone:
		return nil, nil
	case ModePseudonymous:
		if ctx.TenantID == "" || ctx.ObjectID == "" || ctx.DatasetID == "" {
			return nil, fmt.Errorf("pseudonymous identity requires tenant, object, and dataset ids")
		}
		return &Key{Value: PseudonymousID(ctx.TenantID, ctx.ObjectID, ctx.DatasetID), Type: KeyTypePseudonymous}, nil
	case ModeTeamAlias:
		if err := ValidateAlias(ctx.Alias); err != nil {
			return nil, err
		}
		return &Key{Value: ctx.Alias, Type: KeyTypeTeamAlias}, nil
	case ModeEntraObjectID:
		if ctx.ObjectID == "" {
			return nil, fmt.Errorf("entra identity requires a directory object id")
		}
		return &Key{Value: ctx.ObjectID, Type: KeyTypeEntraObjectID}, nil
	}
	return nil, fmt.Errorf("unknown identity mode %q", mode)
}

// PseudonymousID derives a stable non-reversible identifier from the tenant,
// object, and dataset ids. Identical inputs always yield identical output.
func PseudonymousID(tenantID, objectID, datasetID string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + objectID + "|" + datasetID))
	return hex.EncodeToString(sum[:])[:pseudonymousHexLen]
}
