package models

import "time"

// TopicConsumer binds a consumer id to a topic. Enabled bindings form the fan-out list.
type TopicConsumer struct {
	Topic      string    `gorm:"column:topic;primaryKey"`
	ConsumerID string    `gorm:"column:consumer_id;primaryKey"`
	Enabled    bool      `gorm:"column:enabled;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (TopicConsumer) TableName() string { return "topic_consumers" }
