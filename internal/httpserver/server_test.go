package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rajbos/copilot-usage-sync/internal/app"
	"github.com/rajbos/copilot-usage-sync/internal/config"
	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
	"github.com/rajbos/copilot-usage-sync/internal/timeutil"
)

func testServer(t *testing.T) (*Server, *tablestore.MemClient) {
	t.Helper()
	cfg := &config.Config{
		DatasetID: "ds",
		Sync:      config.SyncConfig{LookbackDays: 30, Interval: time.Hour},
		Sharing:   config.SharingConfig{Profile: "team_pseudonymous", IdentityMode: "pseudonymous"},
		Auth:      config.AuthConfig{Mode: "entra_id"},
		Storage:   config.StorageConfig{Account: "acct", Table: "copilotusage"},
		Sessions:  config.SessionsConfig{Dir: t.TempDir()},
		Workspace: config.DimensionConfig{ID: "ws1"},
		Machine:   config.DimensionConfig{ID: "m1"},
		Entra:     config.EntraConfig{TenantID: "tenant1", ObjectID: "object1"},
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	store := tablestore.NewMemClient()
	application, err := app.New(app.Options{Config: cfg, Store: store})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	srv, err := New(application, cfg, nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, target string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.fiber.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	var decoded map[string]any
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode body %q: %v", data, err)
		}
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	resp, body := doRequest(t, srv, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %+v", resp.StatusCode, body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, body := doRequest(t, srv, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code: %d", resp.StatusCode)
	}
	if body["datasetId"] != "ds" || body["state"] != "idle" {
		t.Fatalf("status body: %+v", body)
	}
}

func TestQueryEndpoint(t *testing.T) {
	srv, store := testServer(t)
	day, _ := timeutil.ParseDay("2026-01-15")
	err := store.Upsert(context.Background(), []tablestore.Row{{
		PartitionKey: tablestore.PartitionKeyFor("ds", day),
		RowKey:       "r1",
		DatasetID:    "ds",
		Day:          "2026-01-15",
		Model:        "gpt-4o",
		InputTokens:  100,
		OutputTokens: 40,
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doRequest(t, srv, http.MethodGet, "/v1/query?start=2026-01-15&end=2026-01-15", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query: %d %+v", resp.StatusCode, body)
	}
	totals := body["totals"].(map[string]any)
	if totals["inputTokens"].(float64) != 100 {
		t.Fatalf("totals: %+v", totals)
	}
}

func TestQueryRejectsBadDates(t *testing.T) {
	srv, _ := testServer(t)
	resp, _ := doRequest(t, srv, http.MethodGet, "/v1/query?start=notaday&end=2026-01-15", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad start accepted: %d", resp.StatusCode)
	}
	resp, _ = doRequest(t, srv, http.MethodGet, "/v1/query?start=2026-01-16&end=2026-01-15", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("reversed range accepted: %d", resp.StatusCode)
	}
}

func TestSyncEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, body := doRequest(t, srv, http.MethodPost, "/v1/sync", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync: %d %+v", resp.StatusCode, body)
	}
	if body["started"] != true {
		t.Fatalf("sync body: %+v", body)
	}
}

func TestProfileEndpointConsentGate(t *testing.T) {
	srv, _ := testServer(t)

	resp, body := doRequest(t, srv, http.MethodPut, "/v1/profile",
		map[string]any{"profile": "team_identified"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("widening without consent: %d %+v", resp.StatusCode, body)
	}

	resp, body = doRequest(t, srv, http.MethodPut, "/v1/profile",
		map[string]any{"profile": "team_identified", "consentAt": time.Now().Format(time.RFC3339)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("widening with consent: %d %+v", resp.StatusCode, body)
	}
	if body["profile"] != "team_identified" {
		t.Fatalf("profile body: %+v", body)
	}

	resp, _ = doRequest(t, srv, http.MethodPut, "/v1/profile",
		map[string]any{"profile": "not_a_profile"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown profile accepted: %d", resp.StatusCode)
	}
}

func TestDeleteUserDataEndpoint(t *testing.T) {
	srv, store := testServer(t)
	day, _ := timeutil.ParseDay("2026-01-15")
	err := store.Upsert(context.Background(), []tablestore.Row{
		{PartitionKey: tablestore.PartitionKeyFor("ds", day), RowKey: "r1", DatasetID: "ds", UserID: "user123"},
		{PartitionKey: tablestore.PartitionKeyFor("ds", day), RowKey: "r2", DatasetID: "ds", UserID: "user456"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doRequest(t, srv, http.MethodDelete, "/v1/userdata/user123", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %+v", resp.StatusCode, body)
	}
	if body["deleted"].(float64) != 1 {
		t.Fatalf("delete body: %+v", body)
	}
	if rows := store.Rows(); len(rows) != 1 || rows[0].UserID != "user456" {
		t.Fatalf("remaining: %+v", rows)
	}
}

func TestProbeEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	resp, body := doRequest(t, srv, http.MethodPost, "/v1/probe", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("probe: %d %+v", resp.StatusCode, body)
	}
}
