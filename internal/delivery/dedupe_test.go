package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/outbox"
)

type fakeIdempotencyStore struct {
	keys   map[string]time.Duration
	setErr error
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{keys: map[string]time.Duration{}}
}

func (f *fakeIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	if _, ok := f.keys[key]; ok {
		return "1", nil
	}
	return "", nil
}

func (f *fakeIdempotencyStore) SetNX(_ context.Context, key string, _ any, ttl time.Duration) (bool, error) {
	if f.setErr != nil {
		return false, f.setErr
	}
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = ttl
	return true, nil
}

func (f *fakeIdempotencyStore) IdempotencyKey(scope, id string) string {
	return "eb:idempotency:" + scope + ":" + id
}

func (f *fakeIdempotencyStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.keys, key)
	}
	return nil
}

func TestDeduperClaimsOncePerConsumer(t *testing.T) {
	store := newFakeIdempotencyStore()
	d, err := NewDeduper(store, 0)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}

	seen, err := d.Claim(context.Background(), "A", "E1")
	if err != nil || seen {
		t.Fatalf("first claim: seen=%v err=%v", seen, err)
	}
	if ttl := store.keys["eb:idempotency:delivered:A:E1"]; ttl != defaultDedupeTTL {
		t.Fatalf("expected default ttl, got %v", ttl)
	}
	seen, err = d.Claim(context.Background(), "A", "E1")
	if err != nil || !seen {
		t.Fatalf("second claim: seen=%v err=%v", seen, err)
	}
	seen, err = d.Claim(context.Background(), "B", "E1")
	if err != nil || seen {
		t.Fatalf("other consumer claim: seen=%v err=%v", seen, err)
	}

	if err := d.Forget(context.Background(), "A", "E1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	seen, err = d.Claim(context.Background(), "A", "E1")
	if err != nil || seen {
		t.Fatalf("claim after forget: seen=%v err=%v", seen, err)
	}
}

func TestDeduperValidatesInput(t *testing.T) {
	if _, err := NewDeduper(nil, time.Hour); err == nil {
		t.Fatalf("expected missing store error")
	}
	if _, err := NewDeduper(newFakeIdempotencyStore(), -time.Second); err == nil {
		t.Fatalf("expected negative ttl error")
	}
	d, _ := NewDeduper(newFakeIdempotencyStore(), time.Hour)
	if _, err := d.Claim(context.Background(), "", "E1"); err == nil {
		t.Fatalf("expected missing consumer error")
	}
	if _, err := d.Claim(context.Background(), "A", " "); err == nil {
		t.Fatalf("expected missing event error")
	}
}

func newDedupeListener(t *testing.T, handler Handler, recorder *fakeRecorder, store *fakeIdempotencyStore) *Listener {
	t.Helper()
	d, err := NewDeduper(store, time.Hour)
	if err != nil {
		t.Fatalf("new deduper: %v", err)
	}
	l, err := NewListener(ListenerParams{
		ConsumerID: "A",
		Topics:     []string{"orders.created"},
		Handler:    handler,
		Recorder:   recorder,
		Dedupe:     d,
		Clock:      func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	return l
}

func TestListenerSkipsDuplicateDelivery(t *testing.T) {
	recorder := &fakeRecorder{}
	calls := 0
	l := newDedupeListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		calls++
		return nil
	}), recorder, newFakeIdempotencyStore())

	for i := 0; i < 2; i++ {
		if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if calls != 1 || len(recorder.calls) != 1 {
		t.Fatalf("expected one handled delivery, handler=%d feedback=%d", calls, len(recorder.calls))
	}
}

func TestListenerReleasesClaimOnFailure(t *testing.T) {
	recorder := &fakeRecorder{}
	calls := 0
	l := newDedupeListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}), recorder, newFakeIdempotencyStore())

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err == nil {
		t.Fatalf("expected first delivery to nack")
	}
	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
		t.Fatalf("expected redelivery to succeed, got %v", err)
	}
	if calls != 2 || len(recorder.calls) != 2 {
		t.Fatalf("expected two handled deliveries, handler=%d feedback=%d", calls, len(recorder.calls))
	}
	if !recorder.calls[0].Outcome.IsFailed() || !recorder.calls[1].Outcome.IsSucceeded() {
		t.Fatalf("unexpected outcomes %s then %s", recorder.calls[0].Outcome.Kind(), recorder.calls[1].Outcome.Kind())
	}
}

func TestListenerHandlesWhenDedupeUnavailable(t *testing.T) {
	store := newFakeIdempotencyStore()
	store.setErr = errors.New("redis down")
	recorder := &fakeRecorder{}
	calls := 0
	l := newDedupeListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		calls++
		return nil
	}), recorder, store)

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if calls != 1 || len(recorder.calls) != 1 {
		t.Fatalf("expected handled delivery, handler=%d feedback=%d", calls, len(recorder.calls))
	}
}

func TestListenerReleasesClaimOnAckedFailure(t *testing.T) {
	store := newFakeIdempotencyStore()
	recorder := &fakeRecorder{}
	l := newDedupeListener(t, HandlerFunc(func(context.Context, outbox.Envelope) error {
		return pkgerrors.New(pkgerrors.CodeValidation, "bad payload")
	}), recorder, store)

	if err := l.Handle(context.Background(), testEnvelope("orders.created")); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(store.keys) != 0 {
		t.Fatalf("expected claim released so a resubmit is handled, got %v", store.keys)
	}
}
