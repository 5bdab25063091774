package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type cacheEntry struct {
	session  *Session
	cachedAt time.Time
}

// CachedRepository is a read-through cache in front of a Repository.
// Every write goes to the backing store first and then replaces or evicts
// the cached copy, so the store stays authoritative.
type CachedRepository struct {
	repo   Repository
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCachedRepository(repo Repository, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	return &CachedRepository{
		repo:    repo,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedRepository) Create(ctx context.Context, s *Session) error {
	if err := c.repo.Create(ctx, s); err != nil {
		return err
	}
	c.store(s)
	return nil
}

// Get returns a fresh cached copy if available, otherwise reads through.
func (c *CachedRepository) Get(ctx context.Context, id string) (*Session, error) {
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && time.Since(e.cachedAt) < c.ttl {
		return e.session.Clone(), nil
	}

	s, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		c.Invalidate(id)
		return nil, nil
	}
	c.store(s)
	return s, nil
}

func (c *CachedRepository) Update(ctx context.Context, id string, fn UpdateFunc) (*Session, error) {
	s, err := c.repo.Update(ctx, id, fn)
	if err != nil {
		c.Invalidate(id)
		return nil, err
	}
	c.store(s)
	return s, nil
}

func (c *CachedRepository) Delete(ctx context.Context, id string) error {
	c.Invalidate(id)
	return c.repo.Delete(ctx, id)
}

// List always reads the backing store.
func (c *CachedRepository) List(ctx context.Context, limit int) ([]*Session, error) {
	return c.repo.List(ctx, limit)
}

// Peek returns the cached copy regardless of age, or nil.
func (c *CachedRepository) Peek(id string) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return e.session.Clone()
	}
	return nil
}

func (c *CachedRepository) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *CachedRepository) store(s *Session) {
	c.mu.Lock()
	c.entries[s.ID] = cacheEntry{session: s.Clone(), cachedAt: time.Now()}
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Debug("session cached", "session_id", s.ID, "status", s.Status)
	}
}
