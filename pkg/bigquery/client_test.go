package bigquery

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/angelmondragon/eventbus/pkg/config"
)

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewClient(ctx, config.GCPConfig{}, config.BigQueryConfig{Dataset: "eventbus", ArchiveTable: "event_archive"}, nil); !errors.Is(err, errProjectIDRequired) {
		t.Fatalf("expected project id error, got %v", err)
	}
	gcp := config.GCPConfig{ProjectID: "proj"}
	if _, err := NewClient(ctx, gcp, config.BigQueryConfig{ArchiveTable: "event_archive"}, nil); !errors.Is(err, errDatasetRequired) {
		t.Fatalf("expected dataset error, got %v", err)
	}
	if _, err := NewClient(ctx, gcp, config.BigQueryConfig{Dataset: "eventbus", ArchiveTable: "  "}, nil); !errors.Is(err, errTableNameRequired) {
		t.Fatalf("expected table error, got %v", err)
	}
}

func TestClientOptions(t *testing.T) {
	both := clientOptions(config.GCPConfig{CredentialsJSON: `{"dummy": "value"}`, ApplicationCredentials: "/tmp/creds"})
	if len(both) != 1 {
		t.Fatalf("expected json credentials to win, got %d options", len(both))
	}
	if got := clientOptions(config.GCPConfig{ApplicationCredentials: "/tmp/creds"}); len(got) != 1 {
		t.Fatalf("expected file credentials option, got %d", len(got))
	}
	if got := clientOptions(config.GCPConfig{}); len(got) != 0 {
		t.Fatalf("expected no options, got %d", len(got))
	}
}

func TestMissingColumns(t *testing.T) {
	schema := bigquery.Schema{{Name: "event_id"}, {Name: "Topic"}, {Name: "payload"}}
	missing := missingColumns(schema, []string{"event_id", "topic", "archived_at", "sent_at"})
	if strings.Join(missing, ",") != "archived_at,sent_at" {
		t.Fatalf("unexpected missing columns %v", missing)
	}
	if got := missingColumns(schema, nil); len(got) != 0 {
		t.Fatalf("expected nothing missing, got %v", got)
	}
}

func TestFoldInsertError(t *testing.T) {
	plain := errors.New("network")
	if got := foldInsertError(plain); got != plain {
		t.Fatalf("expected plain error passed through, got %v", got)
	}
	multi := bigquery.PutMultiError{
		{RowIndex: 3, Errors: bigquery.MultiError{errors.New("no such field: extra")}},
		{RowIndex: 5, Errors: bigquery.MultiError{errors.New("bad")}},
	}
	got := foldInsertError(multi)
	if got == nil || !strings.Contains(got.Error(), "2 row(s), row 3") {
		t.Fatalf("unexpected folded error %v", got)
	}
	if foldInsertError(nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&googleapi.Error{Code: http.StatusNotFound}) {
		t.Fatalf("expected 404 to be not found")
	}
	if isNotFound(&googleapi.Error{Code: http.StatusForbidden}) || isNotFound(errors.New("x")) {
		t.Fatalf("unexpected not found")
	}
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	if c.ArchiveTable() != "" {
		t.Fatalf("expected empty table")
	}
	if err := c.Ping(context.Background()); !errors.Is(err, errClientNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.InsertRows(context.Background(), "t", []any{1}); !errors.Is(err, errClientNotInitialized) {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
