// Package session implements Core-B's session store: derived session keys
// indexed by the client's public-key PEM, with TTL expiry enforced at access
// and a background sweeper for abandoned entries.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrExpired reports that the record for a client outlived the TTL. The
// record is evicted before this is returned; the client must re-handshake.
var ErrExpired = errors.New("session: expired")

// DefaultMaxSessions bounds the store when no explicit cap is configured.
// Hostile clients can mint arbitrarily many public keys, so the map must not
// grow without limit.
const DefaultMaxSessions = 10000

type record struct {
	key       []byte
	createdAt time.Time
}

// Store is a concurrently accessed map from client public-key PEM to a
// derived session key and its creation time. All concurrent RPCs for the
// same client observe the same key; once one access evicts on TTL, the next
// derivation re-creates identical bytes (derivation is pure in the two
// public keys), so the race is benign.
type Store struct {
	mu      sync.Mutex
	records map[string]*record

	ttl time.Duration
	max int

	// now is swapped in tests to drive expiry deterministically.
	now func() time.Time
	// onEvict fires (outside hot paths' critical work, but under mu) for
	// every record that leaves the store, including those dropped by Close.
	onEvict func(id string)

	sweeper *time.Ticker
	stop    chan struct{}
	once    sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSessions overrides the session cap.
func WithMaxSessions(n int) Option {
	return func(s *Store) { s.max = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictionHook registers a callback invoked with the session identifier
// whenever a record is evicted (TTL, cap pressure, sweep, Remove, or Close).
func WithEvictionHook(fn func(id string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

// NewStore creates a store whose records expire ttl after creation. A
// background sweeper removes abandoned records every 30 seconds; expiry is
// still checked at every access, so the sweeper only bounds memory.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*record),
		ttl:     ttl,
		max:     DefaultMaxSessions,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sweeper = time.NewTicker(30 * time.Second)
	go s.runSweeper()
	return s
}

// Ensure returns the session key for id. A missing record is created by
// calling derive and the second return is true. A record older than the TTL
// is evicted and ErrExpired is returned; the caller translates that into the
// UNAUTHENTICATED RPC status.
func (s *Store) Ensure(id string, derive func() ([]byte, error)) (key []byte, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok {
		if s.now().Sub(rec.createdAt) > s.ttl {
			s.evictLocked(id)
			return nil, false, ErrExpired
		}
		// Hand out a copy; eviction zeroes the stored slice and must not
		// corrupt a key an in-flight RPC is still using.
		return append([]byte(nil), rec.key...), false, nil
	}

	key, err = derive()
	if err != nil {
		return nil, false, err
	}
	if len(s.records) >= s.max {
		s.evictOldestLocked()
	}
	s.records[id] = &record{key: append([]byte(nil), key...), createdAt: s.now()}
	return key, true, nil
}

// Remove evicts the record for id if present.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; ok {
		s.evictLocked(id)
	}
}

// Len reports the current number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops the sweeper and zeroes all key material.
func (s *Store) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.sweeper.Stop()

		s.mu.Lock()
		defer s.mu.Unlock()
		for id := range s.records {
			s.evictLocked(id)
		}
	})
}

func (s *Store) runSweeper() {
	for {
		select {
		case <-s.sweeper.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now()
	for id, rec := range s.records {
		if cutoff.Sub(rec.createdAt) > s.ttl {
			s.evictLocked(id)
		}
	}
}

// evictOldestLocked drops the record with the earliest creation time to make
// room under the cap.
func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, rec := range s.records {
		if oldestID == "" || rec.createdAt.Before(oldestAt) {
			oldestID, oldestAt = id, rec.createdAt
		}
	}
	if oldestID != "" {
		s.evictLocked(oldestID)
	}
}

func (s *Store) evictLocked(id string) {
	rec := s.records[id]
	for i := range rec.key {
		rec.key[i] = 0
	}
	delete(s.records, id)
	if s.onEvict != nil {
		s.onEvict(id)
	}
}
