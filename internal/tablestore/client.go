package tablestore

import (
	"context"
	"fmt"
)

// maxBatchSize is the table service limit on entities per transaction.
const maxBatchSize = 100

// Client is the narrow capability set the sync subsystem needs from a
// partitioned table store. Implementations: AzureClient (production) and
// MemClient (tests).
type Client interface {
	// EnsureTable creates the target table when it does not exist yet.
	EnsureTable(ctx context.Context) error
	// Upsert replaces each row whole at its (PartitionKey, RowKey). Merge
	// mode at the wire level, but every field is freshly computed, so the
	// effect is replace-with-recomputed-total. Never increments.
	Upsert(ctx context.Context, rows []Row) error
	// QueryPartition lists rows in one partition, optionally narrowed by an
	// additional filter expression built with Filter.
	QueryPartition(ctx context.Context, partitionKey, filter string) ([]Row, error)
	// DeleteWhere removes every row matched by the filter across all
	// partitions. Best effort: it reports how many rows were deleted and a
	// PartialDeleteError when some deletions failed.
	DeleteWhere(ctx context.Context, filter string) (int, error)
	// DeleteEntity removes a single row. Used by the credential probe.
	DeleteEntity(ctx context.Context, partitionKey, rowKey string) error
}

// PartialDeleteError reports a DeleteWhere that removed some rows but not all.
type PartialDeleteError struct {
	Deleted int
	Failed  int
	First   error
}

func (e *PartialDeleteError) Error() string {
	return fmt.Sprintf("deleted %d rows, %d deletions failed (first: %v)", e.Deleted, e.Failed, e.First)
}

func (e *PartialDeleteError) Unwrap() error { return e.First }

// Batches groups rows by partition key preserving input order, splitting
// groups that exceed the transaction limit. The sync engine uploads one batch
// at a time so failures can be reported per batch.
func Batches(rows []Row) [][]Row {
	var batches [][]Row
	index := map[string]int{}
	for _, row := range rows {
		i, ok := index[row.PartitionKey]
		if !ok || len(batches[i]) >= maxBatchSize {
			batches = append(batches, []Row{row})
			index[row.PartitionKey] = len(batches) - 1
			continue
		}
		batches[i] = append(batches[i], row)
	}
	return batches
}
