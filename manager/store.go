package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/natsclient"
	"github.com/c360/pilotstreams/unit"
)

// Store persists unit records. Save never replaces a record with one in an
// earlier state, so concurrent writers converge on the most advanced state.
type Store interface {
	Save(ctx context.Context, u *unit.Unit) error
	Get(ctx context.Context, uid string) (*unit.Unit, error)
	List(ctx context.Context) ([]*unit.Unit, error)
	Delete(ctx context.Context, uid string) error
}

// supersedes reports whether next may replace prev
func supersedes(prev, next *unit.Unit) bool {
	switch {
	case prev == nil:
		return true
	case next.State == prev.State:
		return true
	case prev.State.Final():
		return false
	default:
		return prev.State.Before(next.State)
	}
}

func byUID(a, b *unit.Unit) int { return strings.Compare(a.UID, b.UID) }

// MemoryStore keeps records in process
type MemoryStore struct {
	mu    sync.RWMutex
	units map[string]*unit.Unit
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: make(map[string]*unit.Unit)}
}

// Save stores a copy of u unless a more advanced record exists
func (s *MemoryStore) Save(_ context.Context, u *unit.Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if supersedes(s.units[u.UID], u) {
		s.units[u.UID] = u.Clone()
	}
	return nil
}

// Get returns a copy of the record or ErrUnitNotFound
func (s *MemoryStore) Get(_ context.Context, uid string) (*unit.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[uid]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnitNotFound, uid), "MemoryStore", "Get", "look up unit")
	}
	return u.Clone(), nil
}

// List returns copies of every record sorted by uid
func (s *MemoryStore) List(context.Context) ([]*unit.Unit, error) {
	s.mu.RLock()
	out := make([]*unit.Unit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, byUID)
	return out, nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *MemoryStore) Delete(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.units, uid)
	return nil
}

// KVStore keeps records in a NATS JetStream key-value bucket keyed by uid.
// Saves are compare-and-set, so managers on several hosts can share a
// bucket.
type KVStore struct {
	kv *natsclient.KVStore
}

// DefaultBucket is the bucket used when none is configured
const DefaultBucket = "PILOT_UNITS"

// OpenKVStore creates or opens bucket
func OpenKVStore(ctx context.Context, client *natsclient.Client, bucket string) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "pilot unit records",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "KVStore", "OpenKVStore", "open bucket "+bucket)
	}
	return &KVStore{kv: client.NewKVStore(kv)}, nil
}

// Save writes u unless the bucket holds a more advanced record
func (s *KVStore) Save(ctx context.Context, u *unit.Unit) error {
	data, err := unit.Marshal(u)
	if err != nil {
		return err
	}
	err = s.kv.UpdateWithRetry(ctx, u.UID, func(current []byte) ([]byte, error) {
		if current != nil {
			prev, err := unit.Unmarshal(current)
			if err == nil && !supersedes(prev, u) {
				return nil, nil
			}
		}
		return data, nil
	})
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "Save", "save "+u.UID)
	}
	return nil
}

// Get returns the record or ErrUnitNotFound
func (s *KVStore) Get(ctx context.Context, uid string) (*unit.Unit, error) {
	entry, err := s.kv.Get(ctx, uid)
	if natsclient.IsKVNotFoundError(err) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnitNotFound, uid), "KVStore", "Get", "look up unit")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get "+uid)
	}
	return unit.Unmarshal(entry.Value)
}

// List returns every record sorted by uid
func (s *KVStore) List(ctx context.Context) ([]*unit.Unit, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list keys")
	}
	out := make([]*unit.Unit, 0, len(keys))
	for _, key := range keys {
		u, err := s.Get(ctx, key)
		if errors.IsInvalid(err) {
			// deleted since Keys, or not a unit record
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	slices.SortFunc(out, byUID)
	return out, nil
}

// Delete removes a record
func (s *KVStore) Delete(ctx context.Context, uid string) error {
	if err := s.kv.Delete(ctx, uid); err != nil {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete "+uid)
	}
	return nil
}
