package consumptions

import (
	"time"

	"github.com/angelmondragon/eventbus/pkg/db/models"
)

// OutcomeKind is the settled state of one consumption attempt.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeSucceeded
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Outcome is Pending | Succeeded | Failed{Message, Code}.
type Outcome struct {
	kind    OutcomeKind
	message string
	code    string
}

func Pending() Outcome   { return Outcome{kind: OutcomePending} }
func Succeeded() Outcome { return Outcome{kind: OutcomeSucceeded} }

// Failed builds a failure outcome carrying the consumer's error description.
func Failed(message, code string) Outcome {
	return Outcome{kind: OutcomeFailed, message: message, code: code}
}

// OutcomeFromResult maps a boolean callback result onto an Outcome.
func OutcomeFromResult(success bool, message, code string) Outcome {
	if success {
		return Succeeded()
	}
	return Failed(message, code)
}

func (o Outcome) Kind() OutcomeKind { return o.kind }
func (o Outcome) IsPending() bool   { return o.kind == OutcomePending }
func (o Outcome) IsSucceeded() bool { return o.kind == OutcomeSucceeded }
func (o Outcome) IsFailed() bool    { return o.kind == OutcomeFailed }

// Message is the failure message; empty unless the outcome failed.
func (o Outcome) Message() string { return o.message }

// Code is the failure code; empty unless the outcome failed.
func (o Outcome) Code() string { return o.code }

// OutcomeOf reads the tri-state columns of a stored row.
func OutcomeOf(row models.EventConsumption) Outcome {
	switch {
	case row.Success == nil:
		return Pending()
	case *row.Success:
		return Succeeded()
	default:
		return Failed(deref(row.ErrorMessage), deref(row.ErrorCode))
	}
}

// apply writes the outcome onto row's tri-state columns.
func (o Outcome) apply(row *models.EventConsumption, consumedAt time.Time) {
	switch o.kind {
	case OutcomePending:
		row.Success = nil
		row.ConsumedAt = nil
		row.ErrorMessage = nil
		row.ErrorCode = nil
	case OutcomeSucceeded:
		ok := true
		at := consumedAt
		row.Success = &ok
		row.ConsumedAt = &at
		row.ErrorMessage = nil
		row.ErrorCode = nil
	case OutcomeFailed:
		ok := false
		at := consumedAt
		row.Success = &ok
		row.ConsumedAt = &at
		row.ErrorMessage = optional(o.message)
		row.ErrorCode = optional(o.code)
	}
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
