package chagpt

import (
	"context"
	"fmt"
	"sync"

	"github.com/markb/chagpt/internal/hub"
	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/types"
)

// RepertoireCache holds the current schedule together with its pre-built
// broadcast envelope. Reads never touch the store.
type RepertoireCache struct {
	store Store

	// writeMu orders upserts so the cache always matches the last stored row.
	writeMu sync.Mutex

	mu    sync.RWMutex
	value *types.Repertoire
	env   *hub.Envelope
}

func NewRepertoireCache(store Store) *RepertoireCache {
	return &RepertoireCache{store: store}
}

// Init loads the persisted repertoire. When none exists the cache stays
// empty and no snapshot is sent to new connections.
func (c *RepertoireCache) Init(ctx context.Context) error {
	rep, err := c.store.LoadRepertoire(ctx)
	if err != nil {
		return fmt.Errorf("load repertoire: %w", err)
	}
	if rep == nil {
		log.Info("chagpt: no saved repertoire")
		return nil
	}
	if _, err := c.set(*rep); err != nil {
		return err
	}
	log.Info("chagpt: repertoire loaded", "programs", len(rep.Programs), "current", rep.Current)
	return nil
}

// Update persists rep and then replaces the cached value wholesale. The
// returned envelope is the one new connections will also receive.
func (c *RepertoireCache) Update(ctx context.Context, rep types.Repertoire) (*hub.Envelope, error) {
	rep = rep.Clone()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.store.UpsertRepertoire(ctx, rep); err != nil {
		return nil, fmt.Errorf("upsert repertoire: %w", err)
	}
	return c.set(rep)
}

func (c *RepertoireCache) set(rep types.Repertoire) (*hub.Envelope, error) {
	env, err := hub.MarshalEnvelope(hub.KindRepertoire, newRepertoireMessage(rep))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.value = &rep
	c.env = env
	c.mu.Unlock()
	return env, nil
}

// Snapshot returns the cached envelope, or nil before the first value.
func (c *RepertoireCache) Snapshot() *hub.Envelope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.env
}

// Current returns a copy of the cached repertoire.
func (c *RepertoireCache) Current() (types.Repertoire, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.value == nil {
		return types.Repertoire{}, false
	}
	return c.value.Clone(), true
}
