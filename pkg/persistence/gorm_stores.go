package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStateStore stores device state in Postgres. Update runs inside a
// transaction holding a row lock on the device's state row.
type GormStateStore struct {
	db *gorm.DB
}

func NewGormStateStore(db *gorm.DB) *GormStateStore {
	return &GormStateStore{db: db}
}

func (s *GormStateStore) Get(ctx context.Context, deviceID int64) (*models.DeviceState, error) {
	var st models.DeviceState
	err := s.db.WithContext(ctx).First(&st, "device_id = ?", deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state %d: %w", deviceID, err)
	}
	return &st, nil
}

func (s *GormStateStore) Update(ctx context.Context, deviceID int64, fn StateFunc) (*models.DeviceState, error) {
	var out *models.DeviceState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.DeviceState
		created := false
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "device_id = ?", deviceID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			current = *newState(deviceID)
			created = true
		case err != nil:
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			out = &current
			return err
		}
		next.Version = current.Version + 1

		if created {
			if err := tx.Create(next).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrConflict
				}
				return err
			}
		} else if err := tx.Save(next).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return out, ErrNoChange
	}
	if err != nil {
		return nil, fmt.Errorf("update state %d: %w", deviceID, err)
	}
	return out, nil
}

func (s *GormStateStore) List(ctx context.Context) ([]*models.DeviceState, error) {
	var states []*models.DeviceState
	if err := s.db.WithContext(ctx).Order("device_id").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	return states, nil
}

// GormAlertStore stores alert instances in Postgres. The partial unique
// index on (rule_id, device_id) WHERE resolved_at IS NULL backs ErrAlreadyOpen.
type GormAlertStore struct {
	db *gorm.DB
}

func NewGormAlertStore(db *gorm.DB) *GormAlertStore {
	return &GormAlertStore{db: db}
}

func (s *GormAlertStore) Create(ctx context.Context, inst *models.AlertInstance) error {
	err := s.db.WithContext(ctx).Create(inst).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

func (s *GormAlertStore) Update(ctx context.Context, inst *models.AlertInstance) error {
	res := s.db.WithContext(ctx).Model(&models.AlertInstance{}).
		Where("id = ?", inst.ID).
		Updates(map[string]any{
			"severity":     inst.Severity,
			"message":      inst.Message,
			"value":        inst.Value,
			"escalated_at": inst.EscalatedAt,
			"resolved_at":  inst.ResolvedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update alert %s: %w", inst.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormAlertStore) GetOpen(ctx context.Context, key models.AlertKey) (*models.AlertInstance, error) {
	var inst models.AlertInstance
	err := s.db.WithContext(ctx).
		Where("rule_id = ? AND device_id = ? AND resolved_at IS NULL", key.RuleID, key.DeviceID).
		First(&inst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open alert: %w", err)
	}
	return &inst, nil
}

func (s *GormAlertStore) ListOpen(ctx context.Context) ([]*models.AlertInstance, error) {
	var out []*models.AlertInstance
	err := s.db.WithContext(ctx).Where("resolved_at IS NULL").Order("triggered_at DESC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list open alerts: %w", err)
	}
	return out, nil
}

func (s *GormAlertStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.AlertInstance, error) {
	var out []*models.AlertInstance
	q := s.db.WithContext(ctx).Where("triggered_at >= ?", since).Order("triggered_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return out, nil
}

// GormBaselineStore stores baselines in Postgres.
type GormBaselineStore struct {
	db        *gorm.DB
	batchSize int
}

func NewGormBaselineStore(db *gorm.DB) *GormBaselineStore {
	return &GormBaselineStore{db: db, batchSize: 500}
}

// Upsert overwrites rows on the (resource_id, metric, hour, day_of_week) key.
func (s *GormBaselineStore) Upsert(ctx context.Context, rows []models.Baseline) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "resource_id"}, {Name: "metric"}, {Name: "hour"}, {Name: "day_of_week"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"mean", "std_dev", "sample_count", "confidence", "computed_at",
		}),
	}).CreateInBatches(rows, s.batchSize).Error
	if err != nil {
		return fmt.Errorf("upsert baselines: %w", err)
	}
	return nil
}

func (s *GormBaselineStore) List(ctx context.Context) ([]models.Baseline, error) {
	var out []models.Baseline
	err := s.db.WithContext(ctx).
		Order("resource_id, metric, day_of_week, hour").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	return out, nil
}
