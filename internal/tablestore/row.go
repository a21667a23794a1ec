package tablestore

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Schema versions for uploaded rows. Readers use the version to decide which
// optional fields are meaningful.
const (
	// SchemaV1 predates user ids.
	SchemaV1 = 1
	// SchemaV2 adds the user id and key type.
	SchemaV2 = 2
	// SchemaV3 adds consent metadata alongside the user id.
	SchemaV3 = 3
)

// rowKeyHexLen truncates the dimension-tuple digest. 128 bits keeps the key
// short while making collisions between distinct tuples implausible.
const rowKeyHexLen = 32

// Row is one day x model x workspace x machine x (optional) user aggregate.
// (PartitionKey, RowKey) uniquely identifies one dimension tuple per day.
// Rows are always replaced whole on upsert, never incremented remotely:
// the builder recomputes the full daily total from local state every cycle.
type Row struct {
	PartitionKey  string     `json:"partitionKey"`
	RowKey        string     `json:"rowKey"`
	SchemaVersion int        `json:"schemaVersion"`
	DatasetID     string     `json:"datasetId"`
	Day           string     `json:"day"`
	Model         string     `json:"model"`
	WorkspaceID   string     `json:"workspaceId"`
	WorkspaceName string     `json:"workspaceName,omitempty"`
	MachineID     string     `json:"machineId"`
	MachineName   string     `json:"machineName,omitempty"`
	UserID        string     `json:"userId,omitempty"`
	UserKeyType   string     `json:"userKeyType,omitempty"`
	InputTokens   int64      `json:"inputTokens"`
	OutputTokens  int64      `json:"outputTokens"`
	Interactions  int64      `json:"interactions"`
	ShareWithTeam bool       `json:"shareWithTeam,omitempty"`
	ConsentAt     *time.Time `json:"consentAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// PartitionKeyFor co-locates one day's rows for a dataset so range scans stay
// within a single partition.
func PartitionKeyFor(datasetID string, day time.Time) string {
	return datasetID + "_" + day.UTC().Format("2006-01-02")
}

// RowKeyFor derives the stable hash of the dimension tuple. Identical tuples
// always map to the same key, which is what makes repeated uploads idempotent.
func RowKeyFor(model, workspaceID, machineID, userID string) string {
	sum := sha256.Sum256([]byte(model + "|" + workspaceID + "|" + machineID + "|" + userID))
	return hex.EncodeToString(sum[:])[:rowKeyHexLen]
}

// SchemaVersionFor picks the row schema based on which identity fields are
// populated.
func SchemaVersionFor(userID string, consentAt *time.Time) int {
	switch {
	case userID == "":
		return SchemaV1
	case consentAt == nil:
		return SchemaV2
	default:
		return SchemaV3
	}
}
