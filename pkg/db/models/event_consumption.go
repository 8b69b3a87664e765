package models

import "time"

// EventConsumption is one recorded outcome of one consumer processing one event.
// AttemptNo 0 is the placeholder written at publish time; a nil Success means pending.
type EventConsumption struct {
	ID           string     `gorm:"column:id;primaryKey"`
	EventID      string     `gorm:"column:event_id;not null;uniqueIndex:ux_event_consumptions_attempt,priority:1"`
	ConsumerID   string     `gorm:"column:consumer_id;not null;uniqueIndex:ux_event_consumptions_attempt,priority:2"`
	AttemptNo    int        `gorm:"column:attempt_no;not null;uniqueIndex:ux_event_consumptions_attempt,priority:3"`
	Success      *bool      `gorm:"column:success"`
	ConsumedAt   *time.Time `gorm:"column:consumed_at"`
	ErrorMessage *string    `gorm:"column:error_message"`
	ErrorCode    *string    `gorm:"column:error_code"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
}

func (EventConsumption) TableName() string { return "event_consumptions" }
