package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

type rowInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// ArchiveHandler copies every envelope into a BigQuery table.
type ArchiveHandler struct {
	client rowInserter
	table  string
	now    func() time.Time
}

type archiveRow struct {
	EventID       string                  `bigquery:"event_id"`
	Topic         string                  `bigquery:"topic"`
	PayloadType   string                  `bigquery:"payload_type"`
	TraceID       cbigquery.NullString    `bigquery:"trace_id"`
	ParentEventID cbigquery.NullString    `bigquery:"parent_event_id"`
	Service       cbigquery.NullString    `bigquery:"initiator_service"`
	Operation     cbigquery.NullString    `bigquery:"initiator_operation"`
	OccurredAt    time.Time               `bigquery:"occurred_at"`
	SentAt        cbigquery.NullTimestamp `bigquery:"sent_at"`
	Payload       cbigquery.NullJSON      `bigquery:"payload"`
	ArchivedAt    time.Time               `bigquery:"archived_at"`
}

// ArchiveColumns lists the columns archive rows write. The archive table must
// carry all of them.
func ArchiveColumns() []string {
	return []string{
		"event_id", "topic", "payload_type", "trace_id", "parent_event_id",
		"initiator_service", "initiator_operation", "occurred_at", "sent_at",
		"payload", "archived_at",
	}
}

func NewArchiveHandler(client rowInserter, table string) (*ArchiveHandler, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("archive table required")
	}
	return &ArchiveHandler{
		client: client,
		table:  table,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (h *ArchiveHandler) Handle(ctx context.Context, env outbox.Envelope) error {
	row := h.buildRow(env)
	if err := h.client.InsertRows(ctx, h.table, []any{row}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert archive row")
	}
	return nil
}

func (h *ArchiveHandler) buildRow(env outbox.Envelope) archiveRow {
	row := archiveRow{
		EventID:       env.EventID,
		Topic:         env.Topic,
		PayloadType:   env.PayloadType,
		TraceID:       nullString(env.TraceID),
		ParentEventID: nullString(env.ParentEventID),
		OccurredAt:    env.OccurredAt,
		ArchivedAt:    h.now(),
	}
	if env.Initiator != nil {
		row.Service = nullString(env.Initiator.Service)
		row.Operation = nullString(env.Initiator.Operation)
	}
	if env.SentAt != nil {
		row.SentAt = cbigquery.NullTimestamp{Timestamp: *env.SentAt, Valid: true}
	}
	if len(env.Payload) > 0 {
		row.Payload = cbigquery.NullJSON{JSONVal: string(env.Payload), Valid: true}
	}
	return row
}

func nullString(value string) cbigquery.NullString {
	value = strings.TrimSpace(value)
	return cbigquery.NullString{StringVal: value, Valid: value != ""}
}
