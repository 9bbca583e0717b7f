package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/yawlengine/yawl/common/logger"
)

// ErrUnknownHandle is returned by stores when a handle does not resolve,
// either because it was never issued here or because its idle window ran
// out. Callers map it to an auth fault; the store does not distinguish
// the two cases.
var ErrUnknownHandle = errors.New("unknown session handle")

// Store persists sessions under their handle with a sliding expiry.
type Store interface {
	Put(ctx context.Context, s *Session) error
	// Get resolves a handle and pushes its expiry forward by the store's
	// TTL. Missing or expired handles return ErrUnknownHandle.
	Get(ctx context.Context, handle string) (*Session, error)
	Delete(ctx context.Context, handle string) error
	Close() error
}

// MemoryStore keeps sessions in process memory. Expired entries answer
// ErrUnknownHandle immediately; a janitor reclaims them in the
// background so an abandoned engine does not accumulate dead handles.
type MemoryStore struct {
	ttl  time.Duration
	log  *logger.Logger
	now  func() time.Time
	mu   sync.Mutex
	data map[string]*memoryEntry

	done     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory session store with the given idle
// window.
func NewMemoryStore(ttl time.Duration, log *logger.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:  ttl,
		log:  log,
		now:  time.Now,
		data: make(map[string]*memoryEntry),
		done: make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put stores a session under its handle.
func (s *MemoryStore) Put(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[sess.Handle] = &memoryEntry{
		session:   sess,
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Get resolves a handle and slides its expiry forward.
func (s *MemoryStore) Get(ctx context.Context, handle string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	if s.now().After(entry.expiresAt) {
		delete(s.data, handle)
		return nil, ErrUnknownHandle
	}
	entry.expiresAt = s.now().Add(s.ttl)
	return entry.session, nil
}

// Delete removes a handle. Deleting an absent handle is not an error.
func (s *MemoryStore) Delete(ctx context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, handle)
	return nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.log.Info("session store closed")
	})
	return nil
}

// Count returns the number of live sessions, for the health surface.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, entry := range s.data {
		if !now.After(entry.expiresAt) {
			n++
		}
	}
	return n
}

// janitor reclaims expired entries periodically.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		now := s.now()
		for handle, entry := range s.data {
			if now.After(entry.expiresAt) {
				delete(s.data, handle)
			}
		}
		s.mu.Unlock()
	}
}
