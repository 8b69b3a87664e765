package enums

import "fmt"

// EventStatus is the aggregate delivery status of a published event.
type EventStatus string

const (
	EventStatusPending  EventStatus = "PENDING"
	EventStatusSent     EventStatus = "SENT"
	EventStatusConsumed EventStatus = "CONSUMED"
	EventStatusPartial  EventStatus = "PARTIAL"
	EventStatusFailed   EventStatus = "FAILED"
	EventStatusRetrying EventStatus = "RETRYING"
	EventStatusExpired  EventStatus = "EXPIRED"
)

var validEventStatuses = []EventStatus{
	EventStatusPending,
	EventStatusSent,
	EventStatusConsumed,
	EventStatusPartial,
	EventStatusFailed,
	EventStatusRetrying,
	EventStatusExpired,
}

var retryableEventStatuses = []EventStatus{
	EventStatusFailed,
	EventStatusRetrying,
	EventStatusSent,
}

// String implements fmt.Stringer.
func (s EventStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known EventStatus.
func (s EventStatus) IsValid() bool {
	for _, candidate := range validEventStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsRetryable reports whether an event in this status may be re-sent.
func (s EventStatus) IsRetryable() bool {
	for _, candidate := range retryableEventStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// RetryableEventStatuses lists the statuses accepted by the retry path.
func RetryableEventStatuses() []EventStatus {
	out := make([]EventStatus, len(retryableEventStatuses))
	copy(out, retryableEventStatuses)
	return out
}

// ParseEventStatus converts raw input into an EventStatus.
func ParseEventStatus(value string) (EventStatus, error) {
	for _, candidate := range validEventStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event status %q", value)
}
