package publish

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/eventbus/internal/consumptions"
	"github.com/angelmondragon/eventbus/internal/events"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/outbox"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type stubRegistry struct {
	consumers map[string][]string
	err       error
}

func (r stubRegistry) EnabledConsumers(_ context.Context, topic string) ([]string, error) {
	return r.consumers[topic], r.err
}

// journal records the order of store writes and broker sends.
type journal struct {
	steps []string
}

func (j *journal) add(step string) { j.steps = append(j.steps, step) }

type fakeEvents struct {
	events.Store
	journal *journal
	records map[string]models.Event
	putErr  error
}

func (f *fakeEvents) WithTx(*gorm.DB) events.Store { return f }

func (f *fakeEvents) Put(_ context.Context, record *models.Event) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.journal.add("put")
	f.records[record.EventID] = *record
	return nil
}

func (f *fakeEvents) MarkSent(ctx context.Context, eventID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.journal.add("mark_sent")
	record := f.records[eventID]
	if record.Status == enums.EventStatusPending {
		record.Status = enums.EventStatusSent
	}
	record.SentAt = &at
	record.LastSentAt = &at
	f.records[eventID] = record
	return nil
}

func (f *fakeEvents) MarkFailed(ctx context.Context, eventID string, at time.Time, from ...enums.EventStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.journal.add("mark_failed")
	record := f.records[eventID]
	record.Status = enums.EventStatusFailed
	record.StatusAt = at
	f.records[eventID] = record
	return true, nil
}

type fakeConsumptions struct {
	consumptions.Store
	journal      *journal
	placeholders map[string][]string
}

func (f *fakeConsumptions) WithTx(*gorm.DB) consumptions.Store { return f }

func (f *fakeConsumptions) CreatePlaceholders(_ context.Context, eventID string, consumerIDs []string, _ time.Time) error {
	f.journal.add("placeholders")
	f.placeholders[eventID] = append([]string(nil), consumerIDs...)
	return nil
}

type fakeBroker struct {
	journal *journal
	err     error
	sent    []outbox.Envelope
	// block waits for the caller's context, like a saturated broker.
	block bool
	// afterSend runs once the envelope is accepted.
	afterSend func()
}

func (b *fakeBroker) Send(ctx context.Context, topic string, env outbox.Envelope) error {
	b.journal.add("send")
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.afterSend != nil {
		defer b.afterSend()
	}
	if b.err != nil {
		return b.err
	}
	env.Topic = topic
	b.sent = append(b.sent, env)
	return nil
}

type fixture struct {
	svc          *Service
	journal      *journal
	events       *fakeEvents
	consumptions *fakeConsumptions
	broker       *fakeBroker
}

func newFixture(t *testing.T, registry stubRegistry) fixture {
	t.Helper()
	j := &journal{}
	ev := &fakeEvents{journal: j, records: map[string]models.Event{}}
	cs := &fakeConsumptions{journal: j, placeholders: map[string][]string{}}
	br := &fakeBroker{journal: j}
	svc, err := NewService(ServiceParams{
		Tx:           stubTxRunner{},
		Registry:     registry,
		Events:       ev,
		Consumptions: cs,
		Broker:       br,
		Clock:        func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return fixture{svc: svc, journal: j, events: ev, consumptions: cs, broker: br}
}

func envelope(id, topic string) outbox.Envelope {
	return outbox.BuildEnvelope(outbox.EnvelopeParams{
		EventID: id,
		Topic:   topic,
		Payload: json.RawMessage(`{"orderId":"o-1"}`),
	})
}

func TestPublishPersistsBeforeSend(t *testing.T) {
	f := newFixture(t, stubRegistry{consumers: map[string][]string{"order.purchased": {"A", "B"}}})

	result, err := f.svc.Publish(context.Background(), envelope("E1", "order.purchased"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !result.Success || result.EventID != "E1" {
		t.Fatalf("unexpected result %+v", result)
	}

	want := []string{"put", "placeholders", "send", "mark_sent"}
	if len(f.journal.steps) != len(want) {
		t.Fatalf("expected steps %v, got %v", want, f.journal.steps)
	}
	for i, step := range want {
		if f.journal.steps[i] != step {
			t.Fatalf("expected steps %v, got %v", want, f.journal.steps)
		}
	}

	record := f.events.records["E1"]
	if record.Status != enums.EventStatusSent || record.RetryCount != 0 {
		t.Fatalf("unexpected record %+v", record)
	}
	if got := f.consumptions.placeholders["E1"]; len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("unexpected placeholders %v", got)
	}
	if len(f.broker.sent) != 1 || f.broker.sent[0].SentAt == nil || !f.broker.sent[0].SentAt.Equal(fixedNow) {
		t.Fatalf("expected sent envelope stamped with sentAt, got %+v", f.broker.sent)
	}
}

func TestPublishWithoutConsumersPersistsNothing(t *testing.T) {
	f := newFixture(t, stubRegistry{consumers: map[string][]string{}})

	result, err := f.svc.Publish(context.Background(), envelope("E1", "order.purchased"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Success {
		t.Fatal("expected non-success result")
	}
	if result.Code != pkgerrors.CodeConfigurationGap {
		t.Fatalf("expected configuration gap, got %s", result.Code)
	}
	if result.Message != "no enabled consumers for topic order.purchased" {
		t.Fatalf("unexpected message %q", result.Message)
	}
	if len(f.journal.steps) != 0 {
		t.Fatalf("expected no side effects, got %v", f.journal.steps)
	}
}

func TestPublishBrokerFailureMarksFailed(t *testing.T) {
	f := newFixture(t, stubRegistry{consumers: map[string][]string{"t": {"A"}}})
	f.broker.err = errors.New("broker unavailable")

	result, err := f.svc.Publish(context.Background(), envelope("E1", "t"))
	if err != nil {
		t.Fatalf("publish should not return transport errors: %v", err)
	}
	if result.Success || result.Code != pkgerrors.CodeTransport {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Message != "broker unavailable" {
		t.Fatalf("expected broker error in message, got %q", result.Message)
	}
	if got := f.events.records["E1"].Status; got != enums.EventStatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
}

func TestPublishSendDeadlineStillMarksFailed(t *testing.T) {
	f := newFixture(t, stubRegistry{consumers: map[string][]string{"t": {"A"}}})
	f.broker.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := f.svc.Publish(ctx, envelope("E1", "t"))
	if err != nil {
		t.Fatalf("expected transport failure as a result, got %v", err)
	}
	if result.Success || result.Code != pkgerrors.CodeTransport {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.Contains(result.Message, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline in message, got %q", result.Message)
	}
	if got := f.events.records["E1"].Status; got != enums.EventStatusFailed {
		t.Fatalf("expected FAILED, got %s", got)
	}
}

func TestPublishCancelAfterSendStillMarksSent(t *testing.T) {
	f := newFixture(t, stubRegistry{consumers: map[string][]string{"t": {"A"}}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.broker.afterSend = cancel

	result, err := f.svc.Publish(ctx, envelope("E1", "t"))
	if err != nil || !result.Success {
		t.Fatalf("expected success, got %+v err=%v", result, err)
	}
	if got := f.events.records["E1"].Status; got != enums.EventStatusSent {
		t.Fatalf("expected SENT, got %s", got)
	}
}

func TestPublishStoreFailurePropagates(t *testing.T) {
	f := newFixture(t, stubRegistry{consumers: map[string][]string{"t": {"A"}}})
	f.events.putErr = errors.New("connection refused")

	_, err := f.svc.Publish(context.Background(), envelope("E1", "t"))
	if err == nil {
		t.Fatal("expected store error")
	}
	if pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency code, got %s", pkgerrors.CodeOf(err))
	}
	if len(f.broker.sent) != 0 {
		t.Fatal("broker must not receive an unrecorded event")
	}
}

func TestPublishRegistryFailurePropagates(t *testing.T) {
	f := newFixture(t, stubRegistry{err: errors.New("db down")})
	if _, err := f.svc.Publish(context.Background(), envelope("E1", "t")); pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	f := newFixture(t, stubRegistry{})
	result, err := f.svc.Publish(context.Background(), outbox.Envelope{EventID: "E1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if result.Success || result.Code != pkgerrors.CodeValidation {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceParams{}); err == nil {
		t.Fatal("expected error")
	}
}
