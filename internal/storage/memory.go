// internal/storage/memory.go
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RatDesert/ruth-data/internal/errors"
)

// MemoryHashes is an in-process Hashes implementation.
type MemoryHashes struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

func NewMemoryHashes() *MemoryHashes {
	return &MemoryHashes{hashes: make(map[string]map[string]string)}
}

func (s *MemoryHashes) HGet(_ context.Context, hash, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.hashes[hash][field]
	return value, ok, nil
}

func (s *MemoryHashes) HSet(_ context.Context, hash, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[hash]
	if !ok {
		h = make(map[string]string)
		s.hashes[hash] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryHashes) HExists(ctx context.Context, hash, field string) (bool, error) {
	_, ok, err := s.HGet(ctx, hash, field)
	return ok, err
}

// HGetAll returns a copy so callers can't race with writers.
func (s *MemoryHashes) HGetAll(_ context.Context, hash string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(s.hashes[hash]))
	for field, value := range s.hashes[hash] {
		result[field] = value
	}
	return result, nil
}

// MemoryLeases is an in-process Leases implementation. Expiry is evaluated
// lazily against the injected clock.
type MemoryLeases struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryLeases creates a lease store; a nil clock means time.Now.
func NewMemoryLeases(now func() time.Time) *MemoryLeases {
	if now == nil {
		now = time.Now
	}
	return &MemoryLeases{leases: make(map[string]Lease), now: now}
}

func (s *MemoryLeases) live(key string) (Lease, bool) {
	lease, ok := s.leases[key]
	if !ok {
		return Lease{}, false
	}
	if lease.Expired(s.now()) {
		delete(s.leases, key)
		return Lease{}, false
	}
	return lease, true
}

func (s *MemoryLeases) Get(_ context.Context, key string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.live(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &lease, nil
}

func (s *MemoryLeases) Acquire(_ context.Context, key string, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return ErrKeyExists
	}
	s.leases[key] = lease
	return nil
}

func (s *MemoryLeases) Renew(_ context.Context, key string, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.live(key)
	if !ok || current.Owner != lease.Owner {
		return ErrLeaseLost
	}
	s.leases[key] = lease
	return nil
}

func (s *MemoryLeases) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.leases, key)
	return nil
}

// MemoryDirectory is a Directory backed by maps, seeded with AddHub and
// AddSensor. Used by the memory storage driver and in tests.
type MemoryDirectory struct {
	mu      sync.RWMutex
	hubs    map[int64]HubRecord
	sensors map[[2]int64]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		hubs:    make(map[int64]HubRecord),
		sensors: make(map[[2]int64]struct{}),
	}
}

func (d *MemoryDirectory) AddHub(rec HubRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hubs[rec.ID] = rec
}

func (d *MemoryDirectory) AddSensor(hubID, sensorID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sensors[[2]int64{hubID, sensorID}] = struct{}{}
}

func (d *MemoryDirectory) FindHub(_ context.Context, hubID int64) (*HubRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.hubs[hubID]
	if !ok {
		return nil, fmt.Errorf("hub %d: %w", hubID, errors.ErrNotFound)
	}
	return &rec, nil
}

func (d *MemoryDirectory) SensorExists(_ context.Context, hubID, sensorID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.sensors[[2]int64{hubID, sensorID}]
	return ok, nil
}

func (d *MemoryDirectory) HubOwnedBy(_ context.Context, hubID, userID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.hubs[hubID]
	return ok && rec.UserID == userID, nil
}
