package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/eventbus/pkg/config"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// Client writes archive rows into one dataset. The dataset and archive table
// must already exist; this package never creates them.
type Client struct {
	client       *bigquery.Client
	dataset      *bigquery.Dataset
	archiveTable string
}

func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	archiveTable := strings.TrimSpace(cfg.ArchiveTable)
	if archiveTable == "" {
		return nil, errTableNameRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	client := &Client{
		client:       bqClient,
		dataset:      bqClient.Dataset(datasetID),
		archiveTable: archiveTable,
	}
	if err := client.Ping(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"dataset": datasetID, "table": archiveTable}), "bigquery client initialized")
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

func (c *Client) ArchiveTable() string {
	if c == nil {
		return ""
	}
	return c.archiveTable
}

// Ping checks that the dataset and archive table are reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.tableSchema(ctx, c.ArchiveTable())
	return err
}

// VerifyColumns fails when table lacks any of columns. It guards against an
// archive table created from an older schema.
func (c *Client) VerifyColumns(ctx context.Context, table string, columns []string) error {
	schema, err := c.tableSchema(ctx, table)
	if err != nil {
		return err
	}
	if missing := missingColumns(schema, columns); len(missing) > 0 {
		return fmt.Errorf("table %q is missing columns: %s", table, strings.Join(missing, ", "))
	}
	return nil
}

func (c *Client) tableSchema(ctx context.Context, table string) (bigquery.Schema, error) {
	if c == nil || c.dataset == nil {
		return nil, errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errTableNameRequired
	}

	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return nil, fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}
	md, err := c.dataset.Table(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("table %q does not exist", table)
		}
		return nil, fmt.Errorf("checking table %q: %w", table, err)
	}
	return md.Schema, nil
}

// InsertRows streams rows into table. Per-row failures are folded into one
// error naming the first rejected row.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	err := c.dataset.Table(table).Inserter().Put(ctx, rows)
	return foldInsertError(err)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func missingColumns(schema bigquery.Schema, columns []string) []string {
	present := make(map[string]struct{}, len(schema))
	for _, field := range schema {
		present[strings.ToLower(field.Name)] = struct{}{}
	}
	var missing []string
	for _, col := range columns {
		if _, ok := present[strings.ToLower(col)]; !ok {
			missing = append(missing, col)
		}
	}
	return missing
}

func foldInsertError(err error) error {
	var multi bigquery.PutMultiError
	if !errors.As(err, &multi) || len(multi) == 0 {
		return err
	}
	first := multi[0]
	return fmt.Errorf("bigquery rejected %d row(s), row %d: %w", len(multi), first.RowIndex, first.Errors)
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}
