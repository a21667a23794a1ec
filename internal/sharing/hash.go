package sharing

import (
	"crypto/sha256"
	"encoding/hex"
)

// dimensionHexLen matches the truncation used for pseudonymous user ids.
const dimensionHexLen = 16

// HashDimension pseudonymizes a workspace or machine identifier. The dataset
// id acts as the salt, so the only supported rotation is changing datasets.
func HashDimension(value, datasetID string) string {
	sum := sha256.Sum256([]byte(value + "|" + datasetID))
	return hex.EncodeToString(sum[:])[:dimensionHexLen]
}
