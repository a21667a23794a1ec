package tablestore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemClient is an in-memory Client used by tests. It tracks call counts so
// cache behavior and the in-flight guard can be asserted, and supports
// injected failures via the hook fields.
type MemClient struct {
	mu   sync.Mutex
	rows map[string]map[string]Row

	UpsertCalls int
	QueryCalls  int
	DeleteCalls int

	// UpsertHook, when set, runs before each Upsert and may veto it.
	UpsertHook func(rows []Row) error
	// DeleteHook, when set, runs before each entity deletion and may veto it.
	DeleteHook func(partitionKey, rowKey string) error
	// EnsureErr fails EnsureTable when set.
	EnsureErr error
}

// NewMemClient returns an empty in-memory store.
func NewMemClient() *MemClient {
	return &MemClient{rows: map[string]map[string]Row{}}
}

func (m *MemClient) EnsureTable(context.Context) error {
	return m.EnsureErr
}

func (m *MemClient) Upsert(_ context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.UpsertHook != nil {
		if err := m.UpsertHook(rows); err != nil {
			return err
		}
	}
	for _, row := range rows {
		partition, ok := m.rows[row.PartitionKey]
		if !ok {
			partition = map[string]Row{}
			m.rows[row.PartitionKey] = partition
		}
		partition[row.RowKey] = row
	}
	return nil
}

func (m *MemClient) QueryPartition(_ context.Context, partitionKey, filter string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QueryCalls++
	var out []Row
	for _, row := range m.rows[partitionKey] {
		if matchesFilter(row, filter) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowKey < out[j].RowKey })
	return out, nil
}

func (m *MemClient) DeleteWhere(_ context.Context, filter string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	deleted := 0
	failed := 0
	var first error
	for pk, partition := range m.rows {
		for rk, row := range partition {
			if !matchesFilter(row, filter) {
				continue
			}
			if m.DeleteHook != nil {
				if err := m.DeleteHook(pk, rk); err != nil {
					failed++
					if first == nil {
						first = err
					}
					continue
				}
			}
			delete(partition, rk)
			deleted++
		}
	}
	if failed > 0 {
		return deleted, &PartialDeleteError{Deleted: deleted, Failed: failed, First: first}
	}
	return deleted, nil
}

func (m *MemClient) DeleteEntity(_ context.Context, partitionKey, rowKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.DeleteHook != nil {
		if err := m.DeleteHook(partitionKey, rowKey); err != nil {
			return err
		}
	}
	if partition, ok := m.rows[partitionKey]; ok {
		delete(partition, rowKey)
	}
	return nil
}

// Rows returns a snapshot of all stored rows sorted by partition then row key.
func (m *MemClient) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Row
	for _, partition := range m.rows {
		for _, row := range partition {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionKey != out[j].PartitionKey {
			return out[i].PartitionKey < out[j].PartitionKey
		}
		return out[i].RowKey < out[j].RowKey
	})
	return out
}

// matchesFilter evaluates the subset of OData this package generates:
// `Field eq 'value'` clauses joined by ` and `.
func matchesFilter(row Row, filter string) bool {
	if filter == "" {
		return true
	}
	for _, clause := range strings.Split(filter, " and ") {
		parts := strings.SplitN(clause, " eq ", 2)
		if len(parts) != 2 {
			return false
		}
		field := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "'")
		value = strings.ReplaceAll(value, "''", "'")
		if fieldValue(row, field) != value {
			return false
		}
	}
	return true
}

func fieldValue(row Row, field string) string {
	switch field {
	case "PartitionKey":
		return row.PartitionKey
	case "RowKey":
		return row.RowKey
	case "DatasetId":
		return row.DatasetID
	case "Day":
		return row.Day
	case "Model":
		return row.Model
	case "WorkspaceId":
		return row.WorkspaceID
	case "MachineId":
		return row.MachineID
	case "UserId":
		return row.UserID
	}
	return ""
}
