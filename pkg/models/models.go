package models

import (
	"time"
)

// Device status values as stored by the inventory.
const (
	DeviceActive   = "active"
	DeviceInactive = "inactive"
)

// CredentialProfile represents the credential_profiles table
type CredentialProfile struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	Protocol    string    `gorm:"not null" json:"protocol"`
	Payload     string    `gorm:"not null" json:"payload" gocrypt:"aes"` // Encrypted credential data
	CreatedAt   time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// Device represents the devices table.
// The engine only reads it; the inventory service owns the rows.
type Device struct {
	ID                     int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Hostname               string    `json:"hostname"`
	IPAddress              string    `gorm:"not null;type:inet" json:"ip_address"`
	Port                   int       `gorm:"not null;default:0" json:"port"`
	PluginID               string    `json:"plugin_id"`
	CredentialProfileID    int64     `json:"credential_profile_id"`
	PollingIntervalSeconds int       `gorm:"default:0" json:"polling_interval_seconds"` // 0 = use the check interval
	IsCriticalLink         bool      `gorm:"default:false" json:"is_critical_link"`
	Status                 string    `gorm:"default:'active'" json:"status"`
	CreatedAt              time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt              time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// IntervalOverride returns the device-specific polling interval, or zero.
func (d *Device) IntervalOverride() time.Duration {
	if d.PollingIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(d.PollingIntervalSeconds) * time.Second
}

// TableName overrides the default table name logic
func (CredentialProfile) TableName() string { return "credential_profiles" }
func (Device) TableName() string            { return "devices" }
