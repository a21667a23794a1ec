package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/google/uuid"

	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
)

// AuthMode selects how the table store is authenticated.
type AuthMode string

const (
	AuthEntraID   AuthMode = "entra_id"
	AuthSharedKey AuthMode = "shared_key"
)

// ParseAuthMode normalizes and validates an auth mode string.
func ParseAuthMode(raw string) (AuthMode, error) {
	m := AuthMode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case AuthEntraID, AuthSharedKey:
		return m, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", raw)
}

// ProbeRole names the permission a probe step exercises.
type ProbeRole string

const (
	RoleWrite  ProbeRole = "write"
	RoleDelete ProbeRole = "delete"
)

// AuthError means the credential itself was missing or rejected. The current
// sync cycle is aborted; remediation tells the user how to sign in.
type AuthError struct {
	Mode        AuthMode
	Remediation string
	Err         error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Mode, Redact(e.Err.Error()))
}

func (e *AuthError) Unwrap() error { return e.Err }

// PermissionError means the credential authenticated but lacks the write or
// delete role on the target table. The two are reported distinctly so the
// user is told the exact missing assignment.
type PermissionError struct {
	Role        ProbeRole
	Remediation string
	Err         error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing %s permission on table: %s", e.Role, Redact(e.Err.Error()))
}

func (e *PermissionError) Unwrap() error { return e.Err }

// NetworkError covers timeouts and transport failures; the cycle is skipped
// and retried on the next scheduled tick.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %s", e.Op, Redact(e.Err.Error()))
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewTokenCredential resolves an Entra ID credential from the ambient
// environment in fixed priority order: interactive CLI login session, then
// managed identity, then environment variables. No secret is persisted.
func NewTokenCredential() (azcore.TokenCredential, error) {
	var chain []azcore.TokenCredential
	if cli, err := azidentity.NewAzureCLICredential(nil); err == nil {
		chain = append(chain, cli)
	}
	if mi, err := azidentity.NewManagedIdentityCredential(nil); err == nil {
		chain = append(chain, mi)
	}
	if env, err := azidentity.NewEnvironmentCredential(nil); err == nil {
		chain = append(chain, env)
	}
	if len(chain) == 0 {
		return nil, &AuthError{
			Mode:        AuthEntraID,
			Remediation: "sign in with `az login` or set AZURE_TENANT_ID/AZURE_CLIENT_ID/AZURE_CLIENT_SECRET",
			Err:         errors.New("no token credential source available"),
		}
	}
	cred, err := azidentity.NewChainedTokenCredential(chain, nil)
	if err != nil {
		return nil, fmt.Errorf("build credential chain: %w", err)
	}
	return cred, nil
}

// Validator probes effective permissions by writing and deleting a canary
// entity at the target table, classifying denials precisely.
type Validator struct {
	store     tablestore.Client
	datasetID string
	logger    *slog.Logger
}

// NewValidator returns a validator bound to the store under test.
func NewValidator(store tablestore.Client, datasetID string) *Validator {
	return &Validator{
		store:     store,
		datasetID: datasetID,
		logger:    slog.Default().With(slog.String("component", "credentials")),
	}
}

// Probe writes then deletes a canary entity. It fails fast with a typed,
// redacted error naming the exact missing capability.
func (v *Validator) Probe(ctx context.Context) error {
	canary := tablestore.Row{
		PartitionKey:  "probe_" + v.datasetID,
		RowKey:        uuid.NewString(),
		SchemaVersion: tablestore.SchemaV1,
		DatasetID:     v.datasetID,
		UpdatedAt:     time.Now().UTC(),
	}

	if err := v.store.Upsert(ctx, []tablestore.Row{canary}); err != nil {
		return classify(err, RoleWrite, "probe write")
	}
	if err := v.store.DeleteEntity(ctx, canary.PartitionKey, canary.RowKey); err != nil {
		// Leave the canary behind rather than fail loudly; it is a single
		// schema-v1 row in a probe partition.
		return classify(err, RoleDelete, "probe delete")
	}
	v.logger.Debug("credential probe succeeded", slog.String("dataset", v.datasetID))
	return nil
}

func classify(err error, role ProbeRole, op string) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401:
			return &AuthError{
				Mode:        AuthEntraID,
				Remediation: "credential rejected; re-run `az login` or refresh the stored shared key",
				Err:         err,
			}
		case 403:
			remediation := "assign the Storage Table Data Contributor role (table update permission)"
			if role == RoleDelete {
				remediation = "assign the Storage Table Data Contributor role (table delete permission)"
			}
			return &PermissionError{Role: role, Remediation: remediation, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &NetworkError{Op: op, Err: err}
	}
	return &NetworkError{Op: op, Err: err}
}
