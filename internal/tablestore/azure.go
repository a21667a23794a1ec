package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// AzureClient implements Client against the Azure Table service.
type AzureClient struct {
	service *aztables.ServiceClient
	table   *aztables.Client
	name    string
	logger  *slog.Logger
}

// ServiceURL returns the table endpoint for a storage account.
func ServiceURL(account string) string {
	return fmt.Sprintf("https://%s.table.core.windows.net", account)
}

// NewAzureClient builds a client authenticated with an Entra ID token
// credential.
func NewAzureClient(serviceURL, tableName string, cred azcore.TokenCredential) (*AzureClient, error) {
	svc, err := aztables.NewServiceClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("table service client: %w", err)
	}
	return newAzureClient(svc, tableName), nil
}

// NewAzureClientWithSharedKey builds a client authenticated with the storage
// account shared key.
func NewAzureClientWithSharedKey(serviceURL, tableName, account, key string) (*AzureClient, error) {
	cred, err := aztables.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("shared key credential: %w", err)
	}
	svc, err := aztables.NewServiceClientWithSharedKey(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("table service client: %w", err)
	}
	return newAzureClient(svc, tableName), nil
}

func newAzureClient(svc *aztables.ServiceClient, tableName string) *AzureClient {
	return &AzureClient{
		service: svc,
		table:   svc.NewClient(tableName),
		name:    tableName,
		logger:  slog.Default().With(slog.String("component", "tablestore")),
	}
}

func (c *AzureClient) EnsureTable(ctx context.Context) error {
	_, err := c.service.CreateTable(ctx, c.name, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", c.name, err)
	}
	return nil
}

func (c *AzureClient) Upsert(ctx context.Context, rows []Row) error {
	for _, batch := range Batches(rows) {
		if len(batch) == 1 {
			entity, err := marshalRow(batch[0])
			if err != nil {
				return err
			}
			if _, err := c.table.UpsertEntity(ctx, entity, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge}); err != nil {
				return fmt.Errorf("upsert row %s/%s: %w", batch[0].PartitionKey, batch[0].RowKey, err)
			}
			continue
		}
		actions := make([]aztables.TransactionAction, 0, len(batch))
		for _, row := range batch {
			entity, err := marshalRow(row)
			if err != nil {
				return err
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeInsertMerge,
				Entity:     entity,
			})
		}
		if _, err := c.table.SubmitTransaction(ctx, actions, nil); err != nil {
			return fmt.Errorf("upsert batch %s (%d rows): %w", batch[0].PartitionKey, len(batch), err)
		}
	}
	return nil
}

func (c *AzureClient) QueryPartition(ctx context.Context, partitionKey, filter string) ([]Row, error) {
	expr, err := partitionFilter(partitionKey, filter)
	if err != nil {
		return nil, err
	}
	return c.list(ctx, expr)
}

func (c *AzureClient) DeleteWhere(ctx context.Context, filter string) (int, error) {
	rows, err := c.list(ctx, filter)
	if err != nil {
		return 0, err
	}
	deleted := 0
	failed := 0
	var first error
	for _, row := range rows {
		if _, err := c.table.DeleteEntity(ctx, row.PartitionKey, row.RowKey, nil); err != nil {
			failed++
			if first == nil {
				first = err
			}
			c.logger.Warn("delete entity failed",
				slog.String("partition", row.PartitionKey),
				slog.String("row", row.RowKey),
				slog.String("error", err.Error()))
			continue
		}
		deleted++
	}
	if failed > 0 {
		return deleted, &PartialDeleteError{Deleted: deleted, Failed: failed, First: first}
	}
	return deleted, nil
}

func (c *AzureClient) DeleteEntity(ctx context.Context, partitionKey, rowKey string) error {
	if _, err := c.table.DeleteEntity(ctx, partitionKey, rowKey, nil); err != nil {
		return fmt.Errorf("delete entity %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

func (c *AzureClient) list(ctx context.Context, filter string) ([]Row, error) {
	options := &aztables.ListEntitiesOptions{}
	if filter != "" {
		options.Filter = &filter
	}
	var rows []Row
	pager := c.table.NewListEntitiesPager(options)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		for _, raw := range page.Entities {
			row, err := unmarshalRow(raw)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// partitionFilter combines the partition clause with an optional extra filter.
// The partition key is derived from configuration, not user input, but is
// sanitized all the same.
func partitionFilter(partitionKey, filter string) (string, error) {
	escaped, err := SanitizeValue("PartitionKey", partitionKey)
	if err != nil {
		return "", err
	}
	expr := fmt.Sprintf("PartitionKey eq '%s'", escaped)
	if filter != "" {
		expr += " and " + filter
	}
	return expr, nil
}

func marshalRow(row Row) ([]byte, error) {
	props := map[string]any{
		"SchemaVersion": int32(row.SchemaVersion),
		"DatasetId":     row.DatasetID,
		"Day":           row.Day,
		"Model":         row.Model,
		"WorkspaceId":   row.WorkspaceID,
		"MachineId":     row.MachineID,
		"InputTokens":   row.InputTokens,
		"OutputTokens":  row.OutputTokens,
		"Interactions":  row.Interactions,
		"UpdatedAt":     aztables.EDMDateTime(row.UpdatedAt),
	}
	if row.WorkspaceName != "" {
		props["WorkspaceName"] = row.WorkspaceName
	}
	if row.MachineName != "" {
		props["MachineName"] = row.MachineName
	}
	if row.UserID != "" {
		props["UserId"] = row.UserID
		props["UserKeyType"] = row.UserKeyType
	}
	if row.ShareWithTeam {
		props["ShareWithTeam"] = true
	}
	if row.ConsentAt != nil {
		props["ConsentAt"] = aztables.EDMDateTime(*row.ConsentAt)
	}
	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: row.PartitionKey,
			RowKey:       row.RowKey,
		},
		Properties: props,
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity %s/%s: %w", row.PartitionKey, row.RowKey, err)
	}
	return data, nil
}

func unmarshalRow(raw []byte) (Row, error) {
	var entity aztables.EDMEntity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return Row{}, fmt.Errorf("unmarshal entity: %w", err)
	}
	row := Row{
		PartitionKey:  entity.PartitionKey,
		RowKey:        entity.RowKey,
		SchemaVersion: int(propInt(entity.Properties, "SchemaVersion")),
		DatasetID:     propString(entity.Properties, "DatasetId"),
		Day:           propString(entity.Properties, "Day"),
		Model:         propString(entity.Properties, "Model"),
		WorkspaceID:   propString(entity.Properties, "WorkspaceId"),
		WorkspaceName: propString(entity.Properties, "WorkspaceName"),
		MachineID:     propString(entity.Properties, "MachineId"),
		MachineName:   propString(entity.Properties, "MachineName"),
		UserID:        propString(entity.Properties, "UserId"),
		UserKeyType:   propString(entity.Properties, "UserKeyType"),
		InputTokens:   propInt(entity.Properties, "InputTokens"),
		OutputTokens:  propInt(entity.Properties, "OutputTokens"),
		Interactions:  propInt(entity.Properties, "Interactions"),
		ShareWithTeam: propBool(entity.Properties, "ShareWithTeam"),
	}
	if ts, ok := propTime(entity.Properties, "UpdatedAt"); ok {
		row.UpdatedAt = ts
	}
	if ts, ok := propTime(entity.Properties, "ConsentAt"); ok {
		row.ConsentAt = &ts
	}
	return row, nil
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propInt(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func propBool(props map[string]any, key string) bool {
	v, _ := props[key].(bool)
	return v
}

func propTime(props map[string]any, key string) (time.Time, bool) {
	switch v := props[key].(type) {
	case aztables.EDMDateTime:
		return time.Time(v), true
	case time.Time:
		return v, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
