package topics

import (
	"context"
	"strings"
	"time"

	"github.com/angelmondragon/eventbus/internal/repo"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Registry answers which consumer ids are currently enabled for a topic.
type Registry interface {
	EnabledConsumers(ctx context.Context, topic string) ([]string, error)
}

// Repository stores topic to consumer bindings.
type Repository struct {
	repo.Base
	now func() time.Time
}

// NewRepository constructs a binding repository bound to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db), now: func() time.Time { return time.Now().UTC() }}
}

// EnabledConsumers returns the enabled consumer ids for topic, sorted.
func (r *Repository) EnabledConsumers(ctx context.Context, topic string) ([]string, error) {
	var ids []string
	err := r.DB(ctx).Model(&models.TopicConsumer{}).
		Where("topic = ? AND enabled = ?", topic, true).
		Order("consumer_id ASC").
		Pluck("consumer_id", &ids).Error
	return ids, err
}

// ListBindings returns every binding for topic, enabled or not.
func (r *Repository) ListBindings(ctx context.Context, topic string) ([]models.TopicConsumer, error) {
	var rows []models.TopicConsumer
	err := r.DB(ctx).
		Where("topic = ?", topic).
		Order("consumer_id ASC").
		Find(&rows).Error
	return rows, err
}

// UpsertBinding creates or toggles a binding.
func (r *Repository) UpsertBinding(ctx context.Context, topic, consumerID string, enabled bool) (*models.TopicConsumer, error) {
	topic = strings.TrimSpace(topic)
	consumerID = strings.TrimSpace(consumerID)
	if topic == "" || consumerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "topic and consumer id are required")
	}

	now := r.now()
	row := &models.TopicConsumer{
		Topic:      topic,
		ConsumerID: consumerID,
		Enabled:    enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "topic"}, {Name: "consumer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}
