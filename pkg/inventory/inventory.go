// Package inventory is the engine's read-only view of the device inventory
// owned by another service.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/database"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// ErrNoProfile is returned for a device without a credential profile.
var ErrNoProfile = errors.New("device has no credential profile")

type cachedCredential struct {
	payload string
	fetched time.Time
}

// Service lists active devices and resolves their credentials.
type Service struct {
	deviceRepo     database.Repository[models.Device]
	credentialRepo database.Repository[models.CredentialProfile]
	cipher         *database.Cipher

	// Decrypted payloads are cached for credentialTTL so a poll cycle does
	// not hit the database per device.
	credentialCache map[int64]cachedCredential
	cacheMu         sync.RWMutex
	credentialTTL   time.Duration
	now             func() time.Time
}

// NewService creates an inventory backed by gorm.
func NewService(db *gorm.DB, cipher *database.Cipher, credentialTTL time.Duration) *Service {
	return newService(
		database.NewGormRepository[models.Device](db),
		database.NewGormRepository[models.CredentialProfile](db),
		cipher, credentialTTL,
	)
}

func newService(devices database.Repository[models.Device], creds database.Repository[models.CredentialProfile],
	cipher *database.Cipher, credentialTTL time.Duration) *Service {
	if credentialTTL <= 0 {
		credentialTTL = 5 * time.Minute
	}
	return &Service{
		deviceRepo:      devices,
		credentialRepo:  creds,
		cipher:          cipher,
		credentialCache: make(map[int64]cachedCredential),
		credentialTTL:   credentialTTL,
		now:             time.Now,
	}
}

// ListDevices returns every active device.
func (s *Service) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.deviceRepo.Where(ctx, "status = ?", models.DeviceActive)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	devices := make([]models.Device, 0, len(rows))
	for _, d := range rows {
		devices = append(devices, *d)
	}
	slog.Debug("Inventory refreshed", "component", "Inventory", "devices", len(devices))
	return devices, nil
}

// ResolveCredentials returns the decrypted credential payload of a profile.
func (s *Service) ResolveCredentials(ctx context.Context, profileID int64) (string, error) {
	if profileID == 0 {
		return "", ErrNoProfile
	}

	s.cacheMu.RLock()
	cached, ok := s.credentialCache[profileID]
	s.cacheMu.RUnlock()
	if ok && s.now().Sub(cached.fetched) < s.credentialTTL {
		return cached.payload, nil
	}

	profile, err := s.credentialRepo.Get(ctx, profileID)
	if err != nil {
		return "", fmt.Errorf("get credential profile %d: %w", profileID, err)
	}
	payload, err := s.cipher.DecryptPayload(profile)
	if err != nil {
		return "", fmt.Errorf("decrypt credential profile %d: %w", profileID, err)
	}

	s.cacheMu.Lock()
	s.credentialCache[profileID] = cachedCredential{payload: payload, fetched: s.now()}
	s.cacheMu.Unlock()
	return payload, nil
}
