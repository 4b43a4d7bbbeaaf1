package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSHashes maps hashes onto a JetStream KV bucket: field f of hash h is
// stored under key "h.f", so a hash is read back with the filter "h.*".
type NATSHashes struct {
	kv jetstream.KeyValue
}

func NewNATSHashes(kv jetstream.KeyValue) *NATSHashes {
	return &NATSHashes{kv: kv}
}

func hashKey(hash, field string) string {
	return hash + "." + field
}

func (s *NATSHashes) HGet(ctx context.Context, hash, field string) (string, bool, error) {
	entry, err := s.kv.Get(ctx, hashKey(hash, field))
	if err != nil {
		if isKVNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get %s: %w", hashKey(hash, field), err)
	}
	return string(entry.Value()), true, nil
}

func (s *NATSHashes) HSet(ctx context.Context, hash, field, value string) error {
	if _, err := s.kv.Put(ctx, hashKey(hash, field), []byte(value)); err != nil {
		return fmt.Errorf("kv put %s: %w", hashKey(hash, field), err)
	}
	return nil
}

func (s *NATSHashes) HExists(ctx context.Context, hash, field string) (bool, error) {
	_, ok, err := s.HGet(ctx, hash, field)
	return ok, err
}

func (s *NATSHashes) HGetAll(ctx context.Context, hash string) (map[string]string, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, hash+".*")
	if err != nil {
		return nil, fmt.Errorf("kv list %s.*: %w", hash, err)
	}
	defer func() { _ = lister.Stop() }()

	prefix := hash + "."
	result := make(map[string]string)
	for key := range lister.Keys() {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if isKVNotFound(err) {
				// deleted between listing and reading
				continue
			}
			return nil, fmt.Errorf("kv get %s: %w", key, err)
		}
		result[strings.TrimPrefix(key, prefix)] = string(entry.Value())
	}
	return result, nil
}

// NATSLeases keeps leases in a JetStream KV bucket. The expiry travels in the
// value so per-key TTLs work on any server version; the bucket's own TTL only
// garbage-collects keys whose holder vanished without releasing them.
type NATSLeases struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

func NewNATSLeases(kv jetstream.KeyValue) *NATSLeases {
	return &NATSLeases{kv: kv, now: time.Now}
}

func (s *NATSLeases) load(ctx context.Context, key string) (*Lease, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return nil, 0, ErrKeyNotFound
		}
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}

	var lease Lease
	if err := json.Unmarshal(entry.Value(), &lease); err != nil {
		return nil, 0, fmt.Errorf("decode lease %s: %w", key, err)
	}
	if lease.Expired(s.now()) {
		return nil, entry.Revision(), ErrKeyNotFound
	}
	return &lease, entry.Revision(), nil
}

func (s *NATSLeases) Get(ctx context.Context, key string) (*Lease, error) {
	lease, _, err := s.load(ctx, key)
	return lease, err
}

func (s *NATSLeases) Acquire(ctx context.Context, key string, lease Lease) error {
	value, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encode lease %s: %w", key, err)
	}

	_, err = s.kv.Create(ctx, key, value)
	if err == nil {
		return nil
	}
	if !isKVConflict(err) {
		return fmt.Errorf("kv create %s: %w", key, err)
	}

	// The key is present. Take it over only if the holder's lease ran out,
	// and only at the revision we inspected.
	_, revision, err := s.load(ctx, key)
	switch {
	case err == nil:
		return ErrKeyExists
	case !stderrors.Is(err, ErrKeyNotFound):
		return err
	case revision == 0:
		// deleted since Create; one more attempt
		if _, err := s.kv.Create(ctx, key, value); err != nil {
			if isKVConflict(err) {
				return ErrKeyExists
			}
			return fmt.Errorf("kv create %s: %w", key, err)
		}
		return nil
	}

	if _, err := s.kv.Update(ctx, key, value, revision); err != nil {
		if isKVConflict(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("kv update %s: %w", key, err)
	}
	return nil
}

func (s *NATSLeases) Renew(ctx context.Context, key string, lease Lease) error {
	current, revision, err := s.load(ctx, key)
	if err != nil {
		if stderrors.Is(err, ErrKeyNotFound) {
			return ErrLeaseLost
		}
		return err
	}
	if current.Owner != lease.Owner {
		return ErrLeaseLost
	}

	value, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("encode lease %s: %w", key, err)
	}
	if _, err := s.kv.Update(ctx, key, value, revision); err != nil {
		if isKVConflict(err) {
			return ErrLeaseLost
		}
		return fmt.Errorf("kv update %s: %w", key, err)
	}
	return nil
}

func (s *NATSLeases) Release(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && !isKVNotFound(err) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func isKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isKVConflict matches both Create on an existing key and Update at a stale
// revision; the latter only surfaces as a server API error.
func isKVConflict(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
