// Package storage holds the relay's backing stores: hash maps and TTL leases
// on a fast key-value store, and the relational directory of hubs and sensors.
package storage

import (
	"context"
	stderrors "errors"
	"time"
)

// Well-known storage errors
var (
	ErrKeyExists = stderrors.New("storage: key already exists")
	ErrLeaseLost = stderrors.New("storage: lease lost")
)

// Hashes is a family of string hashes (hash -> field -> value), one logical
// map per hash name.
type Hashes interface {
	HGet(ctx context.Context, hash, field string) (string, bool, error)
	HSet(ctx context.Context, hash, field, value string) error
	HExists(ctx context.Context, hash, field string) (bool, error)
	HGetAll(ctx context.Context, hash string) (map[string]string, error)
}

// Lease is a value held under a key until ExpiresAt. Owner identifies the
// holder so renewals cannot take over somebody else's key.
type Lease struct {
	Value     string    `json:"value"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer live at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Leases stores TTL'd keys. Expired leases behave exactly like absent ones.
type Leases interface {
	// Get returns the live lease for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (*Lease, error)
	// Acquire stores lease under key unless a live lease already holds it,
	// in which case it returns ErrKeyExists and leaves the holder untouched.
	Acquire(ctx context.Context, key string, lease Lease) error
	// Renew replaces the live lease held by lease.Owner. It returns
	// ErrLeaseLost if the key is absent, expired or held by another owner.
	Renew(ctx context.Context, key string, lease Lease) error
	// Release deletes key unconditionally.
	Release(ctx context.Context, key string) error
}

// ErrKeyNotFound is returned by Leases.Get for absent or expired keys.
var ErrKeyNotFound = stderrors.New("storage: key not found")

// HubRecord is a row of the hubs table
type HubRecord struct {
	ID       int64  `gorm:"primaryKey;column:id"`
	UserID   int64  `gorm:"column:user_id;index"`
	Password string `gorm:"column:password"`
	Name     string `gorm:"column:name"`
}

func (HubRecord) TableName() string { return "hubs" }

// SensorRecord is a row of the sensors table
type SensorRecord struct {
	HubID int64 `gorm:"primaryKey;column:hub_id"`
	ID    int64 `gorm:"primaryKey;column:id"`
}

func (SensorRecord) TableName() string { return "sensors" }

// Directory is the durable, read-only view of hub and sensor identity.
type Directory interface {
	// FindHub returns the hub row, or an error matching errors.ErrNotFound.
	FindHub(ctx context.Context, hubID int64) (*HubRecord, error)
	SensorExists(ctx context.Context, hubID, sensorID int64) (bool, error)
	HubOwnedBy(ctx context.Context, hubID, userID int64) (bool, error)
}
