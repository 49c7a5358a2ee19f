package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultIdleTTL is how long an unused child connection survives before
	// the sweeper closes it.
	DefaultIdleTTL = 10 * time.Minute

	// DefaultMaxPerUser caps open child connections per user. The least
	// recently used connection is closed when the cap is hit.
	DefaultMaxPerUser = 20

	sweepInterval = time.Minute
)

type sessionKey struct {
	userID uuid.UUID
	tool   string
}

type childSession struct {
	client   *mcpclient.Client
	lastUsed time.Time
}

// SessionCache keeps one child connection per (user, tool). Connections are
// opened lazily, shared by concurrent callers, and reaped when idle.
type SessionCache struct {
	logger     *zap.Logger
	idleTTL    time.Duration
	maxPerUser int

	mu       sync.Mutex
	sessions map[sessionKey]*childSession

	opening singleflight.Group
	done    chan struct{}
}

// NewSessionCache creates a session cache and starts its idle sweeper.
func NewSessionCache(idleTTL time.Duration, maxPerUser int, logger *zap.Logger) *SessionCache {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	c := &SessionCache{
		logger:     logger.Named("proxy-sessions"),
		idleTTL:    idleTTL,
		maxPerUser: maxPerUser,
		sessions:   make(map[sessionKey]*childSession),
		done:       make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached connection for (user, tool), opening one through
// open if none exists. Concurrent callers for the same key share one open.
func (c *SessionCache) Get(ctx context.Context, userID uuid.UUID, tool string, open func(context.Context) (*mcpclient.Client, error)) (*mcpclient.Client, error) {
	key := sessionKey{userID: userID, tool: tool}

	c.mu.Lock()
	if session, ok := c.sessions[key]; ok {
		session.lastUsed = time.Now()
		c.mu.Unlock()
		return session.client, nil
	}
	c.mu.Unlock()

	result, err, _ := c.opening.Do(userID.String()+"/"+tool, func() (any, error) {
		// Re-check: another caller may have finished opening while this one
		// waited on the singleflight.
		c.mu.Lock()
		if session, ok := c.sessions[key]; ok {
			session.lastUsed = time.Now()
			c.mu.Unlock()
			return session.client, nil
		}
		c.mu.Unlock()

		client, err := open(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.sessions[key] = &childSession{client: client, lastUsed: time.Now()}
		c.evictOverCapLocked(userID, key)
		c.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*mcpclient.Client), nil
}

// Invalidate closes and drops the connection for (user, tool). Called when a
// tool is deactivated or its configuration changes, so the next call sees the
// new state.
func (c *SessionCache) Invalidate(userID uuid.UUID, tool string) {
	key := sessionKey{userID: userID, tool: tool}

	c.mu.Lock()
	session, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
	}
	c.mu.Unlock()

	if ok {
		if err := session.client.Close(); err != nil {
			c.logger.Debug("Failed to close child connection", zap.String("tool", tool), zap.Error(err))
		}
	}
}

// InvalidateUser drops every connection a user holds. Called on logout.
func (c *SessionCache) InvalidateUser(userID uuid.UUID) {
	var closing []*childSession

	c.mu.Lock()
	for key, session := range c.sessions {
		if key.userID == userID {
			closing = append(closing, session)
			delete(c.sessions, key)
		}
	}
	c.mu.Unlock()

	for _, session := range closing {
		_ = session.client.Close()
	}
}

// Close shuts the sweeper down and closes every connection.
func (c *SessionCache) Close() {
	close(c.done)

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[sessionKey]*childSession)
	c.mu.Unlock()

	for _, session := range sessions {
		_ = session.client.Close()
	}
}

// evictOverCapLocked closes the user's least recently used connection while
// the user is over the ceiling. keep is never evicted. Caller holds c.mu.
func (c *SessionCache) evictOverCapLocked(userID uuid.UUID, keep sessionKey) {
	for {
		count := 0
		var oldestKey sessionKey
		var oldest *childSession
		for key, session := range c.sessions {
			if key.userID != userID {
				continue
			}
			count++
			if key == keep {
				continue
			}
			if oldest == nil || session.lastUsed.Before(oldest.lastUsed) {
				oldestKey, oldest = key, session
			}
		}
		if count <= c.maxPerUser || oldest == nil {
			return
		}
		delete(c.sessions, oldestKey)
		go func(s *childSession) { _ = s.client.Close() }(oldest)
		c.logger.Debug("Evicted child connection over per-user cap",
			zap.String("tool", oldestKey.tool),
			zap.String("user_id", userID.String()))
	}
}

func (c *SessionCache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-c.idleTTL)
			var closing []*childSession

			c.mu.Lock()
			for key, session := range c.sessions {
				if session.lastUsed.Before(cutoff) {
					closing = append(closing, session)
					delete(c.sessions, key)
				}
			}
			c.mu.Unlock()

			for _, session := range closing {
				_ = session.client.Close()
			}
		}
	}
}
