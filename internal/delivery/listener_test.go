package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/eventbus/internal/feedback"
	"github.com/angelmondragon/eventbus/pkg/broker"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

type fakeRecorder struct {
	calls []feedback.Feedback
	err   error
}

func (f *fakeRecorder) RecordFeedback(_ context.Context, fb feedback.Feedback) error {
	f.calls = append(f.calls, fb)
	return f.err
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestListener(t *testing.T, handler Handler, recorder *fakeRecorder, topics ...string) *Listener {
	t.Helper()
	if len(topics) == 0 {
		topics = []string{"orders.created"}
	}
	l, err := NewListener(ListenerParams{
		ConsumerID: "A",
		Topics:     topics,
		Handler:    handler,
		Recorder:   recorder,
		Clock:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	return l
}

func testEnvelope(topic string) outbox.Envelope {
	return outbox.Envelope{
		EventID:     "E1",
		Topic:       topic,
		Payload:     json.RawMessage(`{"k":"v"}`),
		PayloadType: outbox.DefaultPayloadType,
		OccurredAt:  fixedNow,
	}
}

func TestListenerRecordsSuccess(t *testing.T) {
	recorder := &fakeRecorder{}
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error { return nil }), recorder, "orders.created")

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(recorder.calls) != 1 {
		t.Fatalf("expected 1 feedback, got %d", len(recorder.calls))
	}
	fb := recorder.calls[0]
	if fb.EventID != "E1" || fb.ConsumerID != "A" {
		t.Fatalf("unexpected feedback identity %+v", fb)
	}
	if !fb.Outcome.IsSucceeded() {
		t.Fatalf("expected succeeded outcome, got %s", fb.Outcome.Kind())
	}
	if !fb.ConsumedAt.Equal(fixedNow) {
		t.Fatalf("expected consumedAt %v, got %v", fixedNow, fb.ConsumedAt)
	}
}

func TestListenerRecordsFailureAndNacks(t *testing.T) {
	recorder := &fakeRecorder{}
	handlerErr := pkgerrors.New(pkgerrors.CodeDependency, "downstream unavailable")
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error { return handlerErr }), recorder)

	err := l.Handle(context.Background(), testEnvelope("orders.created"))
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
	fb := recorder.calls[0]
	if !fb.Outcome.IsFailed() {
		t.Fatalf("expected failed outcome")
	}
	if fb.Outcome.Message() != handlerErr.Error() {
		t.Fatalf("unexpected message %q", fb.Outcome.Message())
	}
	if fb.Outcome.Code() != string(pkgerrors.CodeDependency) {
		t.Fatalf("unexpected code %q", fb.Outcome.Code())
	}
}

type customErr struct{}

func (customErr) Error() string { return "boom" }

func TestErrorCodeFallsBackToTypeName(t *testing.T) {
	if got := errorCode(customErr{}); got != "delivery.customErr" {
		t.Fatalf("unexpected code %q", got)
	}
	if got := errorCode(errors.New("plain")); got != "*errors.errorString" {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestListenerSkipsUnsubscribedTopics(t *testing.T) {
	recorder := &fakeRecorder{}
	called := false
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		called = true
		return nil
	}), recorder, "orders.created")

	if err := l.Handle(context.Background(), testEnvelope("users.deleted")); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if called || len(recorder.calls) != 0 {
		t.Fatalf("expected skip, handler called=%v feedback=%d", called, len(recorder.calls))
	}
}

func TestListenerReturnsRecorderErrorAfterSuccess(t *testing.T) {
	recorderErr := errors.New("db down")
	recorder := &fakeRecorder{err: recorderErr}
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error { return nil }), recorder)

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); !errors.Is(err, recorderErr) {
		t.Fatalf("expected recorder error, got %v", err)
	}
}

func TestListenerRunReceivesFromBroker(t *testing.T) {
	mem := broker.NewMemory(4)
	defer mem.Close()

	recorder := &fakeRecorder{}
	done := make(chan struct{})
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		close(done)
		return nil
	}), recorder)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx, mem) }()

	if err := mem.Send(context.Background(), "orders.created", testEnvelope("orders.created")); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not invoked")
	}
	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestNewListenerValidatesParams(t *testing.T) {
	if _, err := NewListener(ListenerParams{Handler: NewLogHandler(nil), Recorder: &fakeRecorder{}}); err == nil {
		t.Fatalf("expected missing consumer id error")
	}
	if _, err := NewListener(ListenerParams{ConsumerID: "A", Recorder: &fakeRecorder{}}); err == nil {
		t.Fatalf("expected missing handler error")
	}
	if _, err := NewListener(ListenerParams{ConsumerID: "A", Handler: NewLogHandler(nil)}); err == nil {
		t.Fatalf("expected missing recorder error")
	}
}

func TestListenerAcksNonRetryableFailure(t *testing.T) {
	recorder := &fakeRecorder{}
	handlerErr := pkgerrors.New(pkgerrors.CodeValidation, "payload missing order id")
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error { return handlerErr }), recorder)

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
		t.Fatalf("expected ack for non-retryable failure, got %v", err)
	}
	if len(recorder.calls) != 1 || !recorder.calls[0].Outcome.IsFailed() {
		t.Fatalf("expected failed outcome recorded, got %+v", recorder.calls)
	}
	if recorder.calls[0].Outcome.Code() != string(pkgerrors.CodeValidation) {
		t.Fatalf("unexpected code %q", recorder.calls[0].Outcome.Code())
	}
}

func TestListenerNacksNonRetryableFailureWhenRecordingFails(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("db down")}
	handlerErr := pkgerrors.New(pkgerrors.CodeValidation, "bad payload")
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error { return handlerErr }), recorder)

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error so the outcome is not lost, got %v", err)
	}
}

func TestNewListenerRequiresTopics(t *testing.T) {
	_, err := NewListener(ListenerParams{
		ConsumerID: "A",
		Topics:     []string{"", " "},
		Handler:    HandlerFunc(func(context.Context, outbox.Envelope) error { return nil }),
		Recorder:   &fakeRecorder{},
	})
	if err == nil {
		t.Fatal("expected a listener without topics to be rejected")
	}
}

func TestListenerAcksFeedbackRejectedAsNotInFanOut(t *testing.T) {
	recorder := &fakeRecorder{err: pkgerrors.New(pkgerrors.CodeNotFound, "consumer has no attempts for this event")}
	l := newTestListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		return errors.New("transient")
	}), recorder)

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
		t.Fatalf("expected ack for rejected feedback, got %v", err)
	}
}
