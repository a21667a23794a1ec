package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rajbos/copilot-usage-sync/internal/identity"
	"github.com/rajbos/copilot-usage-sync/internal/sharing"
	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
	"github.com/rajbos/copilot-usage-sync/internal/timeutil"
)

// ModelUsage is the per-model token split inside one session file.
type ModelUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// SessionStats is the parsed summary of one session file, produced by the
// external scanner and served through its modification-time cache.
type SessionStats struct {
	Tokens       int64
	Interactions int64
	ModelUsage   map[string]ModelUsage
	ModTime      time.Time
}

// SessionFile identifies a local session file by path and mtime. The pair is
// the cache key: an unchanged mtime means the cached stats are still valid.
type SessionFile struct {
	Path    string
	ModTime time.Time
}

// Source serves session stats from the externally owned mtime cache. A miss
// triggers the external parser and populates the cache; this package treats
// that as opaque and only records hit/miss for observability.
type Source interface {
	Lookup(ctx context.Context, path string, mtime time.Time) (stats SessionStats, hit bool, err error)
}

// Environment holds the local dimensions stamped onto every row.
type Environment struct {
	DatasetID     string
	WorkspaceID   string
	WorkspaceName string
	MachineID     string
	MachineName   string
}

// Input is one rollup computation request.
type Input struct {
	Files        []SessionFile
	Profile      sharing.Profile
	ConsentAt    *time.Time
	User         *identity.Key
	LookbackDays int
	// Now anchors the lookback window and the UpdatedAt stamp. Injected so
	// identical inputs always produce identical rows.
	Now time.Time
}

// Stats counts cache behavior during one computation.
type Stats struct {
	FilesScanned int
	CacheHits    int
	CacheMisses  int
}

// Builder folds cached per-file session stats into keyed daily rows.
type Builder struct {
	source Source
	env    Environment
	logger *slog.Logger
}

// NewBuilder returns a builder reading from the given session source.
func NewBuilder(source Source, env Environment) *Builder {
	return &Builder{
		source: source,
		env:    env,
		logger: slog.Default().With(slog.String("component", "rollup")),
	}
}

type rowKey struct {
	day   string
	model string
}

type totals struct {
	input        int64
	output       int64
	interactions int64
	day          time.Time
}

// ComputeDailyRollups aggregates session files modified within the lookback
// window into one row per (day, model) under the local workspace/machine/user
// dimensions, then applies the sharing policy. Multiple files mapping to the
// same key are summed within the cycle; the resulting rows later replace the
// remote day's totals whole, which keeps repeated uploads idempotent.
func (b *Builder) ComputeDailyRollups(ctx context.Context, in Input) ([]tablestore.Row, Stats, error) {
	if in.LookbackDays < 1 {
		return nil, Stats{}, fmt.Errorf("lookback days must be >= 1, got %d", in.LookbackDays)
	}
	cutoff := in.Now.Add(-time.Duration(in.LookbackDays) * 24 * time.Hour)

	var stats Stats
	acc := map[rowKey]*totals{}
	for _, file := range in.Files {
		if file.ModTime.Before(cutoff) || file.ModTime.After(in.Now) {
			continue
		}
		stats.FilesScanned++

		session, hit, err := b.source.Lookup(ctx, file.Path, file.ModTime)
		if err != nil {
			return nil, stats, fmt.Errorf("session stats for %s: %w", file.Path, err)
		}
		if hit {
			stats.CacheHits++
		} else {
			stats.CacheMisses++
		}

		day := timeutil.TruncateToDay(file.ModTime, time.UTC)
		for model, usage := range session.ModelUsage {
			key := rowKey{day: day.Format("2006-01-02"), model: model}
			t, ok := acc[key]
			if !ok {
				t = &totals{day: day}
				acc[key] = t
			}
			t.input += usage.InputTokens
			t.output += usage.OutputTokens
			t.interactions++
		}
	}

	policy := sharing.Apply(in.Profile)
	rows := make([]tablestore.Row, 0, len(acc))
	for key, t := range acc {
		rows = append(rows, b.buildRow(key, t, in, policy))
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PartitionKey != rows[j].PartitionKey {
			return rows[i].PartitionKey < rows[j].PartitionKey
		}
		return rows[i].RowKey < rows[j].RowKey
	})
	return rows, stats, nil
}

func (b *Builder) buildRow(key rowKey, t *totals, in Input, policy sharing.Policy) tablestore.Row {
	workspaceID := b.env.WorkspaceID
	machineID := b.env.MachineID
	if policy.HashWorkspaceMachine {
		workspaceID = sharing.HashDimension(workspaceID, b.env.DatasetID)
		machineID = sharing.HashDimension(machineID, b.env.DatasetID)
	}

	userID := ""
	userKeyType := ""
	if policy.IncludeUserID && in.User != nil {
		userID = in.User.Value
		userKeyType = string(in.User.Type)
	}

	row := tablestore.Row{
		PartitionKey:  tablestore.PartitionKeyFor(b.env.DatasetID, t.day),
		RowKey:        tablestore.RowKeyFor(key.model, workspaceID, machineID, userID),
		DatasetID:     b.env.DatasetID,
		Day:           key.day,
		Model:         key.model,
		WorkspaceID:   workspaceID,
		MachineID:     machineID,
		UserID:        userID,
		UserKeyType:   userKeyType,
		InputTokens:   t.input,
		OutputTokens:  t.output,
		Interactions:  t.interactions,
		ShareWithTeam: in.Profile != sharing.ProfileOff && in.Profile != sharing.ProfileSoloFull,
		UpdatedAt:     in.Now.UTC(),
	}
	if policy.IncludeNames && in.ConsentAt != nil {
		row.WorkspaceName = b.env.WorkspaceName
		row.MachineName = b.env.MachineName
	}
	if in.ConsentAt != nil {
		ts := in.ConsentAt.UTC()
		row.ConsentAt = &ts
	}
	row.SchemaVersion = tablestore.SchemaVersionFor(row.UserID, row.ConsentAt)
	return row
}
