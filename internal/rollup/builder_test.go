package rollup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rajbos/copilot-usage-sync/internal/identity"
	"github.com/rajbos/copilot-usage-sync/internal/sharing"
)

type fakeSource struct {
	stats  map[string]SessionStats
	misses map[string]bool
	calls  int
}

func (f *fakeSource) Lookup(_ context.Context, path string, _ time.Time) (SessionStats, bool, error) {
	f.calls++
	stats, ok := f.stats[path]
	if !ok {
		return SessionStats{}, false, fmt.Errorf("no stats for %s", path)
	}
	return stats, !f.misses[path], nil
}

func testEnv() Environment {
	return Environment{
		DatasetID:     "teamds",
		WorkspaceID:   "ws-raw",
		WorkspaceName: "Acme Frontend",
		MachineID:     "machine-raw",
		MachineName:   "devbox",
	}
}

func sessionFile(path string, mtime time.Time) SessionFile {
	return SessionFile{Path: path, ModTime: mtime}
}

func TestComputeDailyRollupsSumsSameKey(t *testing.T) {
	day := time.Date(2026, time.January, 16, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, time.January, 17, 9, 0, 0, 0, time.UTC)

	source := &fakeSource{stats: map[string]SessionStats{
		"a.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 100, OutputTokens: 50}}},
		"b.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 200, OutputTokens: 75}}},
		"c.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 10, OutputTokens: 5}}},
	}}
	builder := NewBuilder(source, testEnv())

	rows, stats, err := builder.ComputeDailyRollups(context.Background(), Input{
		Files: []SessionFile{
			sessionFile("a.json", day),
			sessionFile("b.json", day.Add(time.Hour)),
			sessionFile("c.json", day.Add(2*time.Hour)),
		},
		Profile:      sharing.ProfileTeamAnonymized,
		LookbackDays: 7,
		Now:          now,
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.InputTokens != 310 || row.OutputTokens != 130 || row.Interactions != 3 {
		t.Fatalf("wrong totals: input=%d output=%d interactions=%d", row.InputTokens, row.OutputTokens, row.Interactions)
	}
	if row.Day != "2026-01-16" || row.Model != "gpt-4o" {
		t.Fatalf("wrong dimensions: %+v", row)
	}
	if stats.FilesScanned != 3 || stats.CacheHits != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestComputeDailyRollupsIsDeterministic(t *testing.T) {
	day := time.Date(2026, time.January, 16, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, time.January, 17, 9, 0, 0, 0, time.UTC)
	stats := map[string]SessionStats{
		"a.json": {ModelUsage: map[string]ModelUsage{
			"gpt-4o":      {InputTokens: 100, OutputTokens: 50},
			"o3-mini":     {InputTokens: 40, OutputTokens: 10},
			"claude-3.5s": {InputTokens: 7, OutputTokens: 3},
		}},
	}
	input := Input{
		Files:        []SessionFile{sessionFile("a.json", day)},
		Profile:      sharing.ProfileTeamPseudonymous,
		User:         &identity.Key{Value: "abc123", Type: identity.KeyTypePseudonymous},
		LookbackDays: 7,
		Now:          now,
	}

	first, _, err := NewBuilder(&fakeSource{stats: stats}, testEnv()).ComputeDailyRollups(context.Background(), input)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	second, _, err := NewBuilder(&fakeSource{stats: stats}, testEnv()).ComputeDailyRollups(context.Background(), input)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("want 3 rows each, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("row %d differs between runs:\n%+v\n%+v", i, first[i], second[i])
		}
	}
}

func TestComputeDailyRollupsAppliesAnonymizedPolicy(t *testing.T) {
	day := time.Date(2026, time.January, 16, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{stats: map[string]SessionStats{
		"a.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 1, OutputTokens: 1}}},
	}}
	env := testEnv()

	rows, _, err := NewBuilder(source, env).ComputeDailyRollups(context.Background(), Input{
		Files:        []SessionFile{sessionFile("a.json", day)},
		Profile:      sharing.ProfileTeamAnonymized,
		User:         &identity.Key{Value: "should-be-dropped", Type: identity.KeyTypeTeamAlias},
		LookbackDays: 7,
		Now:          day.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	row := rows[0]
	if row.UserID != "" || row.UserKeyType != "" {
		t.Fatalf("anonymized row leaked user id: %+v", row)
	}
	if row.WorkspaceID == env.WorkspaceID || row.MachineID == env.MachineID {
		t.Fatalf("dimensions not hashed: %+v", row)
	}
	if row.WorkspaceName != "" || row.MachineName != "" {
		t.Fatalf("anonymized row leaked names: %+v", row)
	}
	if row.SchemaVersion != 1 {
		t.Fatalf("want schema v1, got %d", row.SchemaVersion)
	}
}

func TestComputeDailyRollupsIdentifiedWithConsent(t *testing.T) {
	day := time.Date(2026, time.January, 16, 10, 0, 0, 0, time.UTC)
	consent := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{stats: map[string]SessionStats{
		"a.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 1, OutputTokens: 1}}},
	}}
	env := testEnv()

	rows, _, err := NewBuilder(source, env).ComputeDailyRollups(context.Background(), Input{
		Files:        []SessionFile{sessionFile("a.json", day)},
		Profile:      sharing.ProfileTeamIdentified,
		ConsentAt:    &consent,
		User:         &identity.Key{Value: "object-id-1", Type: identity.KeyTypeEntraObjectID},
		LookbackDays: 7,
		Now:          day.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	row := rows[0]
	if row.UserID != "object-id-1" || row.UserKeyType != string(identity.KeyTypeEntraObjectID) {
		t.Fatalf("missing user id: %+v", row)
	}
	if row.WorkspaceID != env.WorkspaceID || row.WorkspaceName != env.WorkspaceName {
		t.Fatalf("identified profile must keep raw dimensions and names: %+v", row)
	}
	if row.SchemaVersion != 3 || row.ConsentAt == nil {
		t.Fatalf("want schema v3 with consent, got %+v", row)
	}
}

func TestComputeDailyRollupsSkipsFilesOutsideLookback(t *testing.T) {
	now := time.Date(2026, time.January, 17, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{stats: map[string]SessionStats{
		"recent.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 1}}},
		"stale.json":  {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 100}}},
	}}

	rows, stats, err := NewBuilder(source, testEnv()).ComputeDailyRollups(context.Background(), Input{
		Files: []SessionFile{
			sessionFile("recent.json", now.Add(-24*time.Hour)),
			sessionFile("stale.json", now.Add(-40*24*time.Hour)),
		},
		Profile:      sharing.ProfileTeamAnonymized,
		LookbackDays: 7,
		Now:          now,
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if stats.FilesScanned != 1 {
		t.Fatalf("stale file should be skipped before lookup: %+v", stats)
	}
	if len(rows) != 1 || rows[0].InputTokens != 1 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestComputeDailyRollupsCountsMisses(t *testing.T) {
	day := time.Date(2026, time.January, 16, 10, 0, 0, 0, time.UTC)
	source := &fakeSource{
		stats: map[string]SessionStats{
			"hit.json":  {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 1}}},
			"miss.json": {ModelUsage: map[string]ModelUsage{"gpt-4o": {InputTokens: 2}}},
		},
		misses: map[string]bool{"miss.json": true},
	}

	_, stats, err := NewBuilder(source, testEnv()).ComputeDailyRollups(context.Background(), Input{
		Files: []SessionFile{
			sessionFile("hit.json", day),
			sessionFile("miss.json", day),
		},
		Profile:      sharing.ProfileTeamAnonymized,
		LookbackDays: 7,
		Now:          day.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if stats.CacheHits != 1 || stats.CacheMisses != 1 {
		t.Fatalf("unexpected cache stats: %+v", stats)
	}
}
