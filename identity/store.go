package identity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cynsky/AisVirtualNet/errors"
)

// DefaultReservationTTL bounds how long a reservation survives without being
// refreshed or released.
const DefaultReservationTTL = 24 * time.Hour

// ReservationStore persists MMSI reservations. Reserve must be atomic: of
// two concurrent calls for one MMSI by different holders, one wins.
type ReservationStore interface {
	// Reserve grants mmsi to holder for ttl. It returns true when holder now
	// holds the MMSI, including when holder already held it (the ttl is refreshed).
	Reserve(ctx context.Context, mmsi uint32, holder string, ttl time.Duration) (bool, error)
	// Release drops the reservation if holder holds it.
	Release(ctx context.Context, mmsi uint32, holder string) error
	// Holder returns the current holder, if any.
	Holder(ctx context.Context, mmsi uint32) (string, bool, error)
}

type reservation struct {
	holder  string
	expires time.Time
}

// MemoryStore keeps reservations in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[uint32]reservation
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[uint32]reservation{}, now: time.Now}
}

func (m *MemoryStore) Reserve(_ context.Context, mmsi uint32, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.items[mmsi]; ok && now.Before(cur.expires) && cur.holder != holder {
		return false, nil
	}
	m.items[mmsi] = reservation{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, mmsi uint32, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[mmsi]
	if !ok || !m.now().Before(cur.expires) {
		delete(m.items, mmsi)
		return nil
	}
	if cur.holder != holder {
		return errors.WrapInvalid(errors.ErrNotHolder, "MemoryStore", "Release", "check holder")
	}
	delete(m.items, mmsi)
	return nil
}

func (m *MemoryStore) Holder(_ context.Context, mmsi uint32) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[mmsi]
	if !ok || !m.now().Before(cur.expires) {
		return "", false, nil
	}
	return cur.holder, true, nil
}

func itoa(i int) string { return strconv.Itoa(i) }

func mmsiKey(mmsi uint32) string { return strconv.FormatUint(uint64(mmsi), 10) }
