package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// Repository defines the read operations the engine needs from tables it does not own.
type Repository[T any] interface {
	Get(ctx context.Context, id int64) (*T, error)
	Where(ctx context.Context, query string, args ...any) ([]*T, error)
}

// GormRepository implements Repository using Gorm
type GormRepository[T any] struct {
	db *gorm.DB
}

func NewGormRepository[T any](db *gorm.DB) *GormRepository[T] {
	return &GormRepository[T]{db: db}
}

func (repository *GormRepository[T]) Get(ctx context.Context, id int64) (*T, error) {
	var entity T
	result := repository.db.WithContext(ctx).First(&entity, id)
	if result.Error != nil {
		return nil, translate(result.Error)
	}
	return &entity, nil
}

func (repository *GormRepository[T]) Where(ctx context.Context, query string, args ...any) ([]*T, error) {
	var entities []*T
	result := repository.db.WithContext(ctx).Where(query, args...).Order("id").Find(&entities)
	if result.Error != nil {
		return nil, fmt.Errorf("query: %w", result.Error)
	}
	return entities, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
