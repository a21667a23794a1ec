package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
)

func TestProbeSucceedsAndCleansUp(t *testing.T) {
	store := tablestore.NewMemClient()
	v := NewValidator(store, "teamds")

	if err := v.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if rows := store.Rows(); len(rows) != 0 {
		t.Fatalf("canary not cleaned up: %+v", rows)
	}
}

func TestProbeClassifiesMissingWriteRole(t *testing.T) {
	store := tablestore.NewMemClient()
	store.UpsertHook = func([]tablestore.Row) error {
		return &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthorizationPermissionMismatch"}
	}
	err := NewValidator(store, "teamds").Probe(context.Background())

	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("want PermissionError, got %v", err)
	}
	if permErr.Role != RoleWrite {
		t.Fatalf("want write role, got %s", permErr.Role)
	}
}

func TestProbeClassifiesMissingDeleteRole(t *testing.T) {
	store := tablestore.NewMemClient()
	store.DeleteHook = func(string, string) error {
		return &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthorizationPermissionMismatch"}
	}
	err := NewValidator(store, "teamds").Probe(context.Background())

	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("want PermissionError, got %v", err)
	}
	if permErr.Role != RoleDelete {
		t.Fatalf("want delete role, got %s", permErr.Role)
	}
}

func TestProbeClassifiesAuthFailure(t *testing.T) {
	store := tablestore.NewMemClient()
	store.UpsertHook = func([]tablestore.Row) error {
		return &azcore.ResponseError{StatusCode: 401, ErrorCode: "NoAuthenticationInformation"}
	}
	err := NewValidator(store, "teamds").Probe(context.Background())

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthError, got %v", err)
	}
}

func TestProbeClassifiesNetworkFailure(t *testing.T) {
	store := tablestore.NewMemClient()
	store.UpsertHook = func([]tablestore.Row) error {
		return context.DeadlineExceeded
	}
	err := NewValidator(store, "teamds").Probe(context.Background())

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("want NetworkError, got %v", err)
	}
}

func TestParseAuthMode(t *testing.T) {
	if m, err := ParseAuthMode(" Entra_ID "); err != nil || m != AuthEntraID {
		t.Fatalf("want entra_id, got %v %v", m, err)
	}
	if _, err := ParseAuthMode("password"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
