package consumptions

import (
	"context"
	"time"

	"github.com/angelmondragon/eventbus/internal/repo"
	"github.com/angelmondragon/eventbus/pkg/db"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AttemptConstraint is the unique index over (event_id, consumer_id, attempt_no).
const AttemptConstraint = "ux_event_consumptions_attempt"

// Store persists ConsumptionAttempt rows. List methods return rows ordered by
// attempt number descending.
type Store interface {
	WithTx(tx *gorm.DB) Store
	Put(ctx context.Context, row *models.EventConsumption) error
	CreatePlaceholders(ctx context.Context, eventID string, consumerIDs []string, at time.Time) error
	Insert(ctx context.Context, row *models.EventConsumption) error
	Settle(ctx context.Context, id string, outcome Outcome, consumedAt time.Time) (bool, error)
	ListByEvent(ctx context.Context, eventID string) ([]models.EventConsumption, error)
	ListByEventAndConsumer(ctx context.Context, eventID, consumerID string) ([]models.EventConsumption, error)
}

// Repository is the gorm-backed Store.
type Repository struct {
	repo.Base
}

// NewRepository constructs a consumption repository bound to db.
func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(conn)}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) Store {
	if tx == nil {
		return r
	}
	return &Repository{Base: r.Bind(tx)}
}

// Put upserts a row by id.
func (r *Repository) Put(ctx context.Context, row *models.EventConsumption) error {
	ensureID(row)
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

// CreatePlaceholders writes one pending attempt-0 row per consumer. Rows that
// already exist for a republished event are left untouched.
func (r *Repository) CreatePlaceholders(ctx context.Context, eventID string, consumerIDs []string, at time.Time) error {
	if len(consumerIDs) == 0 {
		return nil
	}
	rows := make([]models.EventConsumption, 0, len(consumerIDs))
	for _, consumerID := range consumerIDs {
		rows = append(rows, models.EventConsumption{
			ID:         uuid.NewString(),
			EventID:    eventID,
			ConsumerID: consumerID,
			AttemptNo:  0,
			CreatedAt:  at,
		})
	}
	return r.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Insert adds a new attempt row. A concurrent writer holding the same attempt
// number surfaces as a unique violation (see IsAttemptConflict).
func (r *Repository) Insert(ctx context.Context, row *models.EventConsumption) error {
	ensureID(row)
	return r.DB(ctx).Create(row).Error
}

// Settle writes a definite outcome onto a row that is still pending. It reports
// false when another writer settled the row first.
func (r *Repository) Settle(ctx context.Context, id string, outcome Outcome, consumedAt time.Time) (bool, error) {
	var row models.EventConsumption
	outcome.apply(&row, consumedAt)

	result := r.DB(ctx).Model(&models.EventConsumption{}).
		Where("id = ? AND success IS NULL", id).
		Updates(map[string]any{
			"success":       row.Success,
			"consumed_at":   row.ConsumedAt,
			"error_message": row.ErrorMessage,
			"error_code":    row.ErrorCode,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *Repository) ListByEvent(ctx context.Context, eventID string) ([]models.EventConsumption, error) {
	var rows []models.EventConsumption
	err := r.DB(ctx).
		Where("event_id = ?", eventID).
		Order("attempt_no DESC").
		Order("consumer_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) ListByEventAndConsumer(ctx context.Context, eventID, consumerID string) ([]models.EventConsumption, error) {
	var rows []models.EventConsumption
	err := r.DB(ctx).
		Where("event_id = ? AND consumer_id = ?", eventID, consumerID).
		Order("attempt_no DESC").
		Find(&rows).Error
	return rows, err
}

// IsAttemptConflict reports whether err came from two writers claiming the same attempt number.
func IsAttemptConflict(err error) bool {
	return db.IsUniqueViolation(err, AttemptConstraint) || db.IsUniqueViolation(err, "event_consumptions.attempt_no")
}

// NewAttempt builds an attempt row carrying outcome.
func NewAttempt(eventID, consumerID string, attemptNo int, outcome Outcome, consumedAt, createdAt time.Time) *models.EventConsumption {
	row := &models.EventConsumption{
		ID:         uuid.NewString(),
		EventID:    eventID,
		ConsumerID: consumerID,
		AttemptNo:  attemptNo,
		CreatedAt:  createdAt,
	}
	outcome.apply(row, consumedAt)
	return row
}

// LatestPerConsumer reduces rows to the highest attempt per consumer id.
func LatestPerConsumer(rows []models.EventConsumption) map[string]models.EventConsumption {
	latest := make(map[string]models.EventConsumption, len(rows))
	for _, row := range rows {
		current, ok := latest[row.ConsumerID]
		if !ok || row.AttemptNo > current.AttemptNo {
			latest[row.ConsumerID] = row
		}
	}
	return latest
}

func ensureID(row *models.EventConsumption) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
}
