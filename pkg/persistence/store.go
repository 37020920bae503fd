// Package persistence holds the durable stores of the engine: device state,
// alert instances and baselines.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/database"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

var (
	ErrNotFound = database.ErrNotFound
	// ErrAlreadyOpen is returned when an open instance already exists for the (rule, device) pair.
	ErrAlreadyOpen = errors.New("alert already open")
	// ErrConflict is returned when a concurrent writer changed the row; the caller may retry.
	ErrConflict = errors.New("concurrent update")
	// ErrNoChange lets an update function skip the write.
	ErrNoChange = errors.New("no change")
)

// StateFunc mutates a device state in place. It may be called more than once
// when the store retries, so it must only depend on its argument.
type StateFunc func(s *models.DeviceState) error

// StateStore is the keyed device state store.
type StateStore interface {
	Get(ctx context.Context, deviceID int64) (*models.DeviceState, error)
	// Update atomically reads the state (a zero state for unknown devices),
	// applies fn and writes the result. Returning ErrNoChange from fn skips
	// the write and Update returns the current state with ErrNoChange.
	Update(ctx context.Context, deviceID int64, fn StateFunc) (*models.DeviceState, error)
	List(ctx context.Context) ([]*models.DeviceState, error)
}

// AlertStore persists alert instances.
type AlertStore interface {
	Create(ctx context.Context, inst *models.AlertInstance) error
	Update(ctx context.Context, inst *models.AlertInstance) error
	GetOpen(ctx context.Context, key models.AlertKey) (*models.AlertInstance, error)
	ListOpen(ctx context.Context) ([]*models.AlertInstance, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]*models.AlertInstance, error)
}

// BaselineStore persists learned baselines.
type BaselineStore interface {
	Upsert(ctx context.Context, rows []models.Baseline) error
	List(ctx context.Context) ([]models.Baseline, error)
}

func newState(deviceID int64) *models.DeviceState {
	return &models.DeviceState{DeviceID: deviceID}
}
