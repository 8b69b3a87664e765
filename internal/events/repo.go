package events

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/eventbus/internal/repo"
	"github.com/angelmondragon/eventbus/pkg/db/models"
	"github.com/angelmondragon/eventbus/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned by Get when no record exists for the event id.
var ErrNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "event not found")

// Store persists the materialized EventRecord, keyed by event id.
type Store interface {
	WithTx(tx *gorm.DB) Store
	Get(ctx context.Context, eventID string) (*models.Event, error)
	Put(ctx context.Context, record *models.Event) error
	MarkSent(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, at time.Time, from ...enums.EventStatus) (bool, error)
	UpdateStatus(ctx context.Context, eventID string, status enums.EventStatus, at time.Time) error
	RecordResend(ctx context.Context, eventID string, at time.Time) error
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Event, error)
	ExpireOverdue(ctx context.Context, now time.Time, limit int) (int64, error)
	ListUnsettledSent(ctx context.Context, statusBefore time.Time, limit int) ([]string, error)
}

// Repository is the gorm-backed Store.
type Repository struct {
	repo.Base
}

// NewRepository constructs an event repository bound to db.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) Store {
	if tx == nil {
		return r
	}
	return &Repository{Base: r.Bind(tx)}
}

func (r *Repository) Get(ctx context.Context, eventID string) (*models.Event, error) {
	var record models.Event
	err := r.DB(ctx).Where("event_id = ?", eventID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Put inserts the record or overwrites every column of an existing one.
func (r *Repository) Put(ctx context.Context, record *models.Event) error {
	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		UpdateAll: true,
	}).Create(record).Error
}

// MarkSent stamps the send times and moves a PENDING record to SENT. A record that
// was already rolled up by a fast consumer keeps its status.
func (r *Repository) MarkSent(ctx context.Context, eventID string, at time.Time) error {
	pending := enums.EventStatusPending
	return r.DB(ctx).Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":       gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", pending, enums.EventStatusSent),
			"status_at":    gorm.Expr("CASE WHEN status = ? THEN ? ELSE status_at END", pending, at),
			"sent_at":      at,
			"last_sent_at": at,
			"updated_at":   at,
		}).Error
}

// MarkFailed sets FAILED. When from is given, only records currently in one of
// those statuses are touched; the bool reports whether a row changed.
func (r *Repository) MarkFailed(ctx context.Context, eventID string, at time.Time, from ...enums.EventStatus) (bool, error) {
	query := r.DB(ctx).Model(&models.Event{}).Where("event_id = ?", eventID)
	if len(from) > 0 {
		query = query.Where("status IN ?", from)
	}
	result := query.Updates(map[string]any{
		"status":     enums.EventStatusFailed,
		"status_at":  at,
		"updated_at": at,
	})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, eventID string, status enums.EventStatus, at time.Time) error {
	return r.DB(ctx).Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":     status,
			"status_at":  at,
			"updated_at": at,
		}).Error
}

// RecordResend applies a successful retry: one more attempt, back to SENT.
func (r *Repository) RecordResend(ctx context.Context, eventID string, at time.Time) error {
	return r.DB(ctx).Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"retry_count":  gorm.Expr("retry_count + 1"),
			"status":       enums.EventStatusSent,
			"last_sent_at": at,
			"status_at":    at,
			"updated_at":   at,
		}).Error
}

// ListStalePending returns PENDING records created before the cutoff, oldest first.
func (r *Repository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Event, error) {
	var rows []models.Event
	err := r.DB(ctx).
		Where("status = ? AND created_at < ?", enums.EventStatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&rows).Error
	return rows, err
}

// ExpireOverdue marks unsettled records whose deadline has passed as EXPIRED.
func (r *Repository) ExpireOverdue(ctx context.Context, now time.Time, limit int) (int64, error) {
	unsettled := []enums.EventStatus{
		enums.EventStatusPending,
		enums.EventStatusSent,
		enums.EventStatusFailed,
		enums.EventStatusRetrying,
	}
	ids := r.DB(ctx).Model(&models.Event{}).
		Select("event_id").
		Where("expire_at IS NOT NULL AND expire_at < ? AND status IN ?", now, unsettled).
		Limit(limit)

	result := r.DB(ctx).Model(&models.Event{}).
		Where("event_id IN (?)", ids).
		Updates(map[string]any{
			"status":     enums.EventStatusExpired,
			"status_at":  now,
			"updated_at": now,
		})
	return result.RowsAffected, result.Error
}

// ListUnsettledSent returns ids of SENT records untouched since statusBefore that
// already have at least one settled consumption row, i.e. a rollup may have been lost.
func (r *Repository) ListUnsettledSent(ctx context.Context, statusBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.DB(ctx).Model(&models.Event{}).
		Where("status = ? AND status_at < ?", enums.EventStatusSent, statusBefore).
		Where("EXISTS (SELECT 1 FROM event_consumptions c WHERE c.event_id = events.event_id AND c.success IS NOT NULL)").
		Order("status_at ASC").
		Limit(limit).
		Pluck("event_id", &ids).Error
	return ids, err
}
