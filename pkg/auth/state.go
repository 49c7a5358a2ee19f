package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

// DefaultStateTTL bounds how long an OAuth round trip may take.
const DefaultStateTTL = 10 * time.Minute

type stateEntry struct {
	payload   any
	expiresAt time.Time
}

// StateStore issues single-use opaque state tokens for OAuth flows. Entries
// live in memory only; a restart mid-flow just means logging in again.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewStateStore creates a state store with the given TTL (DefaultStateTTL if
// zero).
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{
		entries: make(map[string]stateEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue stores payload under a fresh random token and returns the token.
func (s *StateStore) Issue(payload any) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	token := hex.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.entries[token] = stateEntry{payload: payload, expiresAt: s.now().Add(s.ttl)}
	return token, nil
}

// Consume removes and returns the payload for a token. A token can be
// consumed at most once; expired or unknown tokens fail with
// KindAuthStateExpired.
func (s *StateStore) Consume(token string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[token]
	if ok {
		delete(s.entries, token)
	}
	if !ok || s.now().After(entry.expiresAt) {
		return nil, apperrors.New(apperrors.KindAuthStateExpired, "state token is expired or unknown")
	}
	return entry.payload, nil
}

// sweepLocked drops expired entries. Called with the lock held on every
// Issue so the map cannot grow unbounded under abandoned flows.
func (s *StateStore) sweepLocked() {
	now := s.now()
	for token, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, token)
		}
	}
}
