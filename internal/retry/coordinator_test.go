package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/outbox"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeEvents struct {
	events.Store
	records map[string]models.Event
	getErr  error
	resends int
}

func (f *fakeEvents) WithTx(*gorm.DB) events.Store { return f }

func (f *fakeEvents) Get(_ context.Context, eventID string) (*models.Event, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	record, ok := f.records[eventID]
	if !ok {
		return nil, events.ErrNotFound
	}
	return &record, nil
}

func (f *fakeEvents) RecordResend(_ context.Context, eventID string, at time.Time) error {
	f.resends++
	record := f.records[eventID]
	record.RetryCount++
	record.Status = enums.EventStatusSent
	record.LastSentAt = &at
	record.StatusAt = at
	record.UpdatedAt = at
	f.records[eventID] = record
	return nil
}

type fakeBroker struct {
	err  error
	sent []outbox.Envelope
}

func (b *fakeBroker) Send(_ context.Context, topic string, env outbox.Envelope) error {
	if b.err != nil {
		return b.err
	}
	env.Topic = topic
	b.sent = append(b.sent, env)
	return nil
}

func record(status enums.EventStatus, expireAt *time.Time) models.Event {
	env := outbox.BuildEnvelope(outbox.EnvelopeParams{
		EventID:  "E1",
		Topic:    "order.purchased",
		Payload:  json.RawMessage(`{"orderId":"o-1"}`),
		ExpireAt: expireAt,
	})
	rec := outbox.NewEventRecord(env, fixedNow.Add(-time.Hour))
	rec.Status = status
	return rec
}

func newCoordinator(t *testing.T, ev *fakeEvents, br *fakeBroker) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Params{Events: ev, Broker: br, Clock: func() time.Time { return fixedNow }})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestRetryEligibility(t *testing.T) {
	past := fixedNow.Add(-time.Minute)
	future := fixedNow.Add(time.Hour)

	tests := []struct {
		name     string
		status   enums.EventStatus
		expireAt *time.Time
		want     bool
	}{
		{name: "sent", status: enums.EventStatusSent, want: true},
		{name: "failed", status: enums.EventStatusFailed, want: true},
		{name: "retrying", status: enums.EventStatusRetrying, want: true},
		{name: "failed not yet expired", status: enums.EventStatusFailed, expireAt: &future, want: true},
		{name: "pending", status: enums.EventStatusPending, want: false},
		{name: "consumed", status: enums.EventStatusConsumed, want: false},
		{name: "partial", status: enums.EventStatusPartial, want: false},
		{name: "expired status", status: enums.EventStatusExpired, want: false},
		{name: "failed past deadline", status: enums.EventStatusFailed, expireAt: &past, want: false},
		{name: "sent past deadline", status: enums.EventStatusSent, expireAt: &past, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &fakeEvents{records: map[string]models.Event{"E1": record(tt.status, tt.expireAt)}}
			br := &fakeBroker{}
			c := newCoordinator(t, ev, br)

			got, err := c.Retry(context.Background(), "E1")
			if err != nil {
				t.Fatalf("retry: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v got %v", tt.want, got)
			}
			stored := ev.records["E1"]
			if tt.want {
				if stored.RetryCount != 1 || stored.Status != enums.EventStatusSent {
					t.Fatalf("expected resend recorded, got %+v", stored)
				}
				if stored.LastSentAt == nil || !stored.LastSentAt.Equal(fixedNow) {
					t.Fatalf("expected lastSentAt=now, got %v", stored.LastSentAt)
				}
				if len(br.sent) != 1 || br.sent[0].Topic != "order.purchased" {
					t.Fatalf("expected one send, got %+v", br.sent)
				}
				return
			}
			if ev.resends != 0 || len(br.sent) != 0 {
				t.Fatalf("rejected retry must not mutate or send (resends=%d sent=%d)", ev.resends, len(br.sent))
			}
			if stored.Status != tt.status {
				t.Fatalf("status changed to %s", stored.Status)
			}
		})
	}
}

func TestRetryBrokerFailureChangesNothing(t *testing.T) {
	ev := &fakeEvents{records: map[string]models.Event{"E1": record(enums.EventStatusFailed, nil)}}
	c := newCoordinator(t, ev, &fakeBroker{err: errors.New("broker down")})

	decision, err := c.Decide(context.Background(), "E1")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Resubmitted || decision.Code != pkgerrors.CodeTransport {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if ev.resends != 0 || ev.records["E1"].RetryCount != 0 {
		t.Fatal("broker failure must not touch the record")
	}
}

func TestRetryUnknownEvent(t *testing.T) {
	c := newCoordinator(t, &fakeEvents{records: map[string]models.Event{}}, &fakeBroker{})
	decision, err := c.Decide(context.Background(), "nope")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Resubmitted || decision.Code != pkgerrors.CodeNotFound {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestRetryStoreFailurePropagates(t *testing.T) {
	c := newCoordinator(t, &fakeEvents{getErr: errors.New("db down")}, &fakeBroker{})
	if _, err := c.Retry(context.Background(), "E1"); pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestRetryReconstructsEnvelope(t *testing.T) {
	rec := record(enums.EventStatusSent, nil)
	service := "checkout"
	rec.InitiatorService = &service
	ev := &fakeEvents{records: map[string]models.Event{"E1": rec}}
	br := &fakeBroker{}
	c := newCoordinator(t, ev, br)

	if ok, err := c.Retry(context.Background(), "E1"); err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	sent := br.sent[0]
	if sent.EventID != "E1" || string(sent.Payload) != `{"orderId":"o-1"}` {
		t.Fatalf("unexpected envelope %+v", sent)
	}
	if sent.Initiator == nil || sent.Initiator.Service != "checkout" {
		t.Fatalf("expected initiator carried over, got %+v", sent.Initiator)
	}
	if sent.SentAt == nil || !sent.SentAt.Equal(fixedNow) {
		t.Fatalf("expected sentAt=now, got %v", sent.SentAt)
	}
}
