package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/eventbus/pkg/enums"
)

// Event is the materialized record of one published envelope, keyed by event id.
type Event struct {
	EventID       string          `gorm:"column:event_id;primaryKey"`
	TraceID       *string         `gorm:"column:trace_id"`
	SpanID        *string         `gorm:"column:span_id"`
	ParentEventID *string         `gorm:"column:parent_event_id"`
	Topic         string          `gorm:"column:topic;not null"`
	Payload       json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	PayloadType   string          `gorm:"column:payload_type;not null"`

	InitiatorService         *string `gorm:"column:initiator_service"`
	InitiatorOperation       *string `gorm:"column:initiator_operation"`
	InitiatorUserID          *string `gorm:"column:initiator_user_id"`
	InitiatorClientRequestID *string `gorm:"column:initiator_client_request_id"`

	OccurredAt time.Time  `gorm:"column:occurred_at;not null"`
	SentAt     *time.Time `gorm:"column:sent_at"`
	ExpireAt   *time.Time `gorm:"column:expire_at"`

	Status     enums.EventStatus `gorm:"column:status;not null"`
	StatusAt   time.Time         `gorm:"column:status_at;not null"`
	RetryCount int               `gorm:"column:retry_count;not null;default:0"`
	LastSentAt *time.Time        `gorm:"column:last_sent_at"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;not null"`
}

func (Event) TableName() string { return "events" }

// Expired reports whether the event carries a deadline that is already behind now.
func (e Event) Expired(now time.Time) bool {
	return e.ExpireAt != nil && e.ExpireAt.Before(now)
}
