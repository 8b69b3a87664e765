package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
)

type sampleInitiator struct {
	Service string `json:"service" validate:"max=8"`
}

type sampleBody struct {
	Topic     string           `json:"topic" validate:"required,identifier,max=32"`
	EventID   string           `json:"eventId" validate:"identifier"`
	Initiator *sampleInitiator `json:"initiator"`
}

func decode(t *testing.T, body string) (sampleBody, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	var dest sampleBody
	return dest, DecodeJSONBody(req, &dest)
}

func detailsOf(t *testing.T, err error) map[string]string {
	t.Helper()
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, _ := typed.Details().(map[string]string)
	return details
}

func TestDecodeJSONBodyAcceptsValidBody(t *testing.T) {
	got, err := decode(t, `{"topic":"orders.created","eventId":"E1"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Topic != "orders.created" || got.EventID != "E1" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestDecodeJSONBodyRejectsIdentifierWithWhitespace(t *testing.T) {
	_, err := decode(t, `{"topic":"orders created"}`)
	details := detailsOf(t, err)
	if details["topic"] != "must not contain whitespace or control characters" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestDecodeJSONBodyReportsNestedFieldPath(t *testing.T) {
	_, err := decode(t, `{"topic":"t","initiator":{"service":"much-too-long"}}`)
	details := detailsOf(t, err)
	if details["initiator.service"] != "must be at most 8" {
		t.Fatalf("unexpected details %v", details)
	}
}

func TestDecodeJSONBodyRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":    ``,
		"unknown":  `{"topic":"t","extra":1}`,
		"trailing": `{"topic":"t"}{"topic":"u"}`,
		"missing":  `{}`,
	}
	for name, body := range cases {
		if _, err := decode(t, body); pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestSanitizeStringKeepsRuneBoundaries(t *testing.T) {
	if got := SanitizeString("  héllo  ", 0); got != "héllo" {
		t.Fatalf("unexpected trim %q", got)
	}
	// "é" is two bytes; a cap of 2 must not keep half of it.
	if got := SanitizeString("hé", 2); got != "h" {
		t.Fatalf("expected rune-safe cut, got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Fatalf("unexpected cut %q", got)
	}
}

func TestIsIdentifier(t *testing.T) {
	for _, ok := range []string{"", "orders.created", "consumer-A_1", "événement"} {
		if !IsIdentifier(ok) {
			t.Fatalf("expected %q accepted", ok)
		}
	}
	for _, bad := range []string{"a b", "tab\there", "nl\n", "ctl\x01"} {
		if IsIdentifier(bad) {
			t.Fatalf("expected %q rejected", bad)
		}
	}
}
