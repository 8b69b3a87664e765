package outbox

import (
	"time"

	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/enums"
)

// NewEventRecord materializes a PENDING record for the envelope.
func NewEventRecord(env Envelope, now time.Time) models.Event {
	record := models.Event{
		EventID:       env.EventID,
		TraceID:       optional(env.TraceID),
		SpanID:        optional(env.SpanID),
		ParentEventID: optional(env.ParentEventID),
		Topic:         env.Topic,
		Payload:       env.Payload,
		PayloadType:   env.PayloadType,
		OccurredAt:    env.OccurredAt,
		SentAt:        env.SentAt,
		ExpireAt:      env.ExpireAt,
		Status:        enums.EventStatusPending,
		StatusAt:      now,
		RetryCount:    0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if env.Initiator != nil {
		record.InitiatorService = optional(env.Initiator.Service)
		record.InitiatorOperation = optional(env.Initiator.Operation)
		record.InitiatorUserID = optional(env.Initiator.UserID)
		record.InitiatorClientRequestID = optional(env.Initiator.ClientRequestID)
	}
	return record
}

// EnvelopeFromRecord rebuilds the wire envelope from a stored record.
func EnvelopeFromRecord(record models.Event) Envelope {
	env := Envelope{
		EventID:       record.EventID,
		TraceID:       deref(record.TraceID),
		SpanID:        deref(record.SpanID),
		ParentEventID: deref(record.ParentEventID),
		Topic:         record.Topic,
		Payload:       record.Payload,
		PayloadType:   record.PayloadType,
		OccurredAt:    record.OccurredAt,
		SentAt:        record.SentAt,
		ExpireAt:      record.ExpireAt,
	}
	initiator := Initiator{
		Service:         deref(record.InitiatorService),
		Operation:       deref(record.InitiatorOperation),
		UserID:          deref(record.InitiatorUserID),
		ClientRequestID: deref(record.InitiatorClientRequestID),
	}
	if !initiator.IsZero() {
		env.Initiator = &initiator
	}
	if env.PayloadType == "" {
		env.PayloadType = DefaultPayloadType
	}
	return env
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	v := value
	return &v
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
