package outbox

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPayloadType tags payloads whose producer did not name a content type.
const DefaultPayloadType = "application/json"

// Initiator records which service operation produced an event.
type Initiator struct {
	Service         string `json:"service,omitempty"`
	Operation       string `json:"operation,omitempty"`
	UserID          string `json:"userId,omitempty"`
	ClientRequestID string `json:"clientRequestId,omitempty"`
}

// IsZero reports whether no provenance field is set.
func (i Initiator) IsZero() bool {
	return i == Initiator{}
}

// Envelope is the on-wire description of one business event.
// Values are treated as immutable; helpers return modified copies.
type Envelope struct {
	EventID       string          `json:"eventId"`
	TraceID       string          `json:"traceId,omitempty"`
	SpanID        string          `json:"spanId,omitempty"`
	ParentEventID string          `json:"parentEventId,omitempty"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	PayloadType   string          `json:"payloadType"`
	Initiator     *Initiator      `json:"initiator,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	ExpireAt      *time.Time      `json:"expireAt,omitempty"`
}

// EnvelopeParams are the caller-supplied inputs to BuildEnvelope.
type EnvelopeParams struct {
	EventID       string
	TraceID       string
	SpanID        string
	ParentEventID string
	Topic         string
	Payload       json.RawMessage
	PayloadType   string
	Initiator     *Initiator
	OccurredAt    time.Time
	ExpireAt      *time.Time
}

// BuildEnvelope fills defaults: a generated event id, occurredAt = now and the
// default payload type. It has no side effects.
func BuildEnvelope(params EnvelopeParams) Envelope {
	return buildEnvelopeAt(params, time.Now().UTC())
}

func buildEnvelopeAt(params EnvelopeParams, now time.Time) Envelope {
	env := Envelope{
		EventID:       strings.TrimSpace(params.EventID),
		TraceID:       params.TraceID,
		SpanID:        params.SpanID,
		ParentEventID: params.ParentEventID,
		Topic:         strings.TrimSpace(params.Topic),
		Payload:       params.Payload,
		PayloadType:   strings.TrimSpace(params.PayloadType),
		OccurredAt:    params.OccurredAt,
		ExpireAt:      params.ExpireAt,
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = now
	}
	if env.PayloadType == "" {
		env.PayloadType = DefaultPayloadType
	}
	if params.Initiator != nil && !params.Initiator.IsZero() {
		initiator := *params.Initiator
		env.Initiator = &initiator
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	return env
}

// Validate checks the fields the bus needs to route and persist an envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errors.New("eventId is required")
	}
	if strings.TrimSpace(e.Topic) == "" {
		return errors.New("topic is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return errors.New("payload must be valid json")
	}
	return nil
}

// WithSentAt returns a copy of the envelope stamped with the send time.
func (e Envelope) WithSentAt(at time.Time) Envelope {
	sent := at
	e.SentAt = &sent
	return e
}

// Expired reports whether the envelope's deadline is behind now.
func (e Envelope) Expired(now time.Time) bool {
	return e.ExpireAt != nil && e.ExpireAt.Before(now)
}

// Encode serializes the envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
