package queryservice

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/rajbos/copilot-usage-sync/internal/observability"
	"github.com/rajbos/copilot-usage-sync/internal/tablestore"
	"github.com/rajbos/copilot-usage-sync/internal/timeutil"
)

// cacheTTL bounds how stale an answered query may be.
const cacheTTL = 30 * time.Second

// Dimension selects the grouping for aggregate results.
type Dimension string

const (
	GroupByNone      Dimension = ""
	GroupByUser      Dimension = "user"
	GroupByModel     Dimension = "model"
	GroupByWorkspace Dimension = "workspace"
	GroupByMachine   Dimension = "machine"
	GroupByDay       Dimension = "day"
)

// ParseDimension validates a grouping dimension from a request.
func ParseDimension(raw string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(raw)))
	switch d {
	case GroupByNone, GroupByUser, GroupByModel, GroupByWorkspace, GroupByMachine, GroupByDay:
		return d, nil
	}
	return "", fmt.Errorf("unknown group-by dimension %q", raw)
}

// Filters narrows an aggregate query. Start and End are inclusive calendar
// days; the remaining fields are optional equality filters.
type Filters struct {
	Start       time.Time
	End         time.Time
	Model       string
	WorkspaceID string
	MachineID   string
	UserID      string
	GroupBy     Dimension
}

// key is the canonical serialization of the filter set.
func (f Filters) key() string {
	return strings.Join([]string{
		f.Start.UTC().Format(timeutil.DayFormat),
		f.End.UTC().Format(timeutil.DayFormat),
		f.Model,
		f.WorkspaceID,
		f.MachineID,
		f.UserID,
		string(f.GroupBy),
	}, "|")
}

// Totals sums token and interaction counts across matched rows.
type Totals struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Interactions int64 `json:"interactions"`
}

// TotalTokens is the ranking metric for grouped results.
func (t Totals) TotalTokens() int64 { return t.InputTokens + t.OutputTokens }

// Group is one aggregate bucket, keyed by the requested dimension value.
type Group struct {
	Key    string `json:"key"`
	Totals Totals `json:"totals"`
}

// Result is the answer to one aggregate query.
type Result struct {
	Totals      Totals  `json:"totals"`
	Groups      []Group `json:"groups,omitempty"`
	RowsMatched int     `json:"rowsMatched"`
	Days        int     `json:"days"`
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Service answers filtered aggregate queries with a short-lived result cache.
// The cache is process-local; any backend configuration change invalidates it
// wholesale via Invalidate.
type Service struct {
	store     tablestore.Client
	datasetID string
	clock     quartz.Clock
	obs       *observability.Provider
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New returns a query service reading from the given store.
func New(store tablestore.Client, datasetID string, clock quartz.Clock, obs *observability.Provider) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{
		store:     store,
		datasetID: datasetID,
		clock:     clock,
		obs:       obs,
		logger:    slog.Default().With(slog.String("component", "queryservice")),
		cache:     map[string]cacheEntry{},
	}
}

// Query expands the date range into one partition scan per day, applies the
// remaining filters server-side, and aggregates the matched rows. Identical
// queries within the TTL are answered from cache.
func (s *Service) Query(ctx context.Context, filters Filters) (Result, error) {
	if filters.Start.IsZero() || filters.End.IsZero() {
		return Result{}, fmt.Errorf("start and end dates are required: %w", timeutil.ErrInvalidRange)
	}
	days, err := timeutil.DaysBetween(filters.Start, filters.End, time.UTC)
	if err != nil {
		return Result{}, fmt.Errorf("date range %s..%s: %w",
			filters.Start.Format(timeutil.DayFormat), filters.End.Format(timeutil.DayFormat), err)
	}

	key := filters.key()
	now := s.clock.Now()
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		s.obs.RecordQueryCache(true)
		return entry.result, nil
	}
	s.obs.RecordQueryCache(false)

	filter, err := s.buildRowFilter(filters)
	if err != nil {
		return Result{}, err
	}

	var rows []tablestore.Row
	for _, day := range days {
		partition := tablestore.PartitionKeyFor(s.datasetID, day)
		dayRows, err := s.store.QueryPartition(ctx, partition, filter)
		if err != nil {
			return Result{}, fmt.Errorf("query partition %s: %w", partition, err)
		}
		rows = append(rows, dayRows...)
	}

	result := aggregate(rows, filters.GroupBy)
	result.Days = len(days)

	s.mu.Lock()
	s.cache[key] = cacheEntry{result: result, expiresAt: now.Add(cacheTTL)}
	s.mu.Unlock()
	return result, nil
}

// Invalidate drops every cached result. Called on any settings change.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = map[string]cacheEntry{}
	s.mu.Unlock()
	s.logger.Debug("query cache invalidated")
}

func (s *Service) buildRowFilter(filters Filters) (string, error) {
	f := tablestore.NewFilter()
	if filters.Model != "" {
		f.Equals("Model", filters.Model)
	}
	if filters.WorkspaceID != "" {
		f.Equals("WorkspaceId", filters.WorkspaceID)
	}
	if filters.MachineID != "" {
		f.Equals("MachineId", filters.MachineID)
	}
	if filters.UserID != "" {
		f.Equals("UserId", filters.UserID)
	}
	return f.Build()
}

func aggregate(rows []tablestore.Row, groupBy Dimension) Result {
	result := Result{RowsMatched: len(rows)}
	buckets := map[string]*Totals{}
	for _, row := range rows {
		result.Totals.InputTokens += row.InputTokens
		result.Totals.OutputTokens += row.OutputTokens
		result.Totals.Interactions += row.Interactions

		if groupBy == GroupByNone {
			continue
		}
		key := groupKey(row, groupBy)
		t, ok := buckets[key]
		if !ok {
			t = &Totals{}
			buckets[key] = t
		}
		t.InputTokens += row.InputTokens
		t.OutputTokens += row.OutputTokens
		t.Interactions += row.Interactions
	}

	if groupBy != GroupByNone {
		groups := make([]Group, 0, len(buckets))
		for key, t := range buckets {
			groups = append(groups, Group{Key: key, Totals: *t})
		}
		// Ties break by identifier so ordering is deterministic.
		sort.Slice(groups, func(i, j int) bool {
			ti, tj := groups[i].Totals.TotalTokens(), groups[j].Totals.TotalTokens()
			if ti != tj {
				return ti > tj
			}
			return groups[i].Key < groups[j].Key
		})
		result.Groups = groups
	}
	return result
}

func groupKey(row tablestore.Row, groupBy Dimension) string {
	switch groupBy {
	case GroupByUser:
		return row.UserID
	case GroupByModel:
		return row.Model
	case GroupByWorkspace:
		return row.WorkspaceID
	case GroupByMachine:
		return row.MachineID
	case GroupByDay:
		return row.Day
	}
	return ""
}
