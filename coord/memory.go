package coord

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemStore is an in-process Store for tests. It honors the same atomicity
// and TTL semantics as the Redis implementation but is NOT a valid
// production substitute: state is invisible to other workers.
type MemStore struct {
	mu   sync.Mutex
	vals map[string]memEntry
	sets map[string]memSet

	// Fail forces every operation to return ErrUnavailable, for testing
	// degradation policies.
	Fail bool

	now func() time.Time
}

type memEntry struct {
	val     string
	expires time.Time
}

type memSet struct {
	members map[string]struct{}
	expires time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		vals: make(map[string]memEntry),
		sets: make(map[string]memSet),
		now:  time.Now,
	}
}

// SetClock overrides the time source, for TTL tests.
func (s *MemStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemStore) expired(t time.Time) bool {
	return !t.IsZero() && s.now().After(t)
}

func (s *MemStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	if e, ok := s.vals[key]; ok && !s.expired(e.expires) {
		return false, nil
	}
	s.vals[key] = memEntry{val: value, expires: s.deadline(ttl)}
	return true, nil
}

func (s *MemStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}
	e, ok := s.vals[key]
	if !ok || s.expired(e.expires) || e.expires.IsZero() {
		return 0, nil
	}
	return e.expires.Sub(s.now()), nil
}

func (s *MemStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}
	e, ok := s.vals[key]
	if !ok || s.expired(e.expires) {
		s.vals[key] = memEntry{val: "1", expires: s.deadline(ttl)}
		return 1, nil
	}
	n, _ := strconv.ParseInt(e.val, 10, 64)
	n++
	e.val = strconv.FormatInt(n, 10)
	s.vals[key] = e
	return n, nil
}

func (s *MemStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, ErrUnavailable
	}
	e, ok := s.vals[key]
	var n int64
	if ok && !s.expired(e.expires) {
		n, _ = strconv.ParseInt(e.val, 10, 64)
	}
	n--
	s.vals[key] = memEntry{val: strconv.FormatInt(n, 10), expires: e.expires}
	return n, nil
}

func (s *MemStore) GetInt(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return 0, false, ErrUnavailable
	}
	e, ok := s.vals[key]
	if !ok || s.expired(e.expires) {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(e.val, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return n, true, nil
}

func (s *MemStore) SetInt(_ context.Context, key string, val int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	s.vals[key] = memEntry{val: strconv.FormatInt(val, 10), expires: s.deadline(ttl)}
	return nil
}

func (s *MemStore) SAdd(_ context.Context, key, member string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	set, ok := s.sets[key]
	if !ok || s.expired(set.expires) {
		set = memSet{members: make(map[string]struct{}), expires: s.deadline(ttl)}
		s.sets[key] = set
	}
	if _, exists := set.members[member]; exists {
		return false, nil
	}
	set.members[member] = struct{}{}
	return true, nil
}

func (s *MemStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	delete(s.vals, key)
	delete(s.sets, key)
	return nil
}
