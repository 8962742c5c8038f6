// Package rules serves the active rule lists the engine evaluates. Rules are
// read on every request and written rarely, so lists are cached per entry
// point with a TTL and invalidated on every admin write.
package rules

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acumenpress/commerce/internal/models"
	"github.com/acumenpress/commerce/internal/store"
)

// DefaultTTL bounds how stale a cached rule list may get when invalidations
// are missed (for example a dropped broadcast).
const DefaultTTL = 5 * time.Minute

// Broadcaster propagates an invalidation to the other processes of a
// multi-process deployment.
type Broadcaster interface {
	Broadcast(ctx context.Context, ep models.EntryPoint) error
}

type cachedList struct {
	rules    []models.Rule
	cachedAt time.Time
}

// Repository loads active rules through a per-entry-point cache. Reads share
// an RWMutex read lock; a miss populates the cache under the write lock, so
// concurrent loaders at most duplicate the store query and never observe a
// partial list.
type Repository struct {
	store       store.Store
	ttl         time.Duration
	broadcaster Broadcaster
	log         zerolog.Logger

	mu    sync.RWMutex
	cache map[models.EntryPoint]cachedList
	gen   map[models.EntryPoint]uint64
}

// NewRepository constructs a repository. A ttl of zero selects DefaultTTL;
// broadcaster may be nil for single-process deployments.
func NewRepository(st store.Store, ttl time.Duration, broadcaster Broadcaster, log zerolog.Logger) *Repository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Repository{
		store:       st,
		ttl:         ttl,
		broadcaster: broadcaster,
		log:         log.With().Str("component", "rules").Logger(),
		cache:       map[models.EntryPoint]cachedList{},
		gen:         map[models.EntryPoint]uint64{},
	}
}

// Load returns the active rules for an entry point, filtered to the current
// time window and sorted by (priority, created_at).
func (r *Repository) Load(ctx context.Context, ep models.EntryPoint) ([]models.Rule, error) {
	r.mu.RLock()
	entry, ok := r.cache[ep]
	gen := r.gen[ep]
	r.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) <= r.ttl {
		return copyRules(entry.rules), nil
	}

	rules, err := r.store.ActiveRules(ctx, ep, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	// an invalidation that landed after the store read makes this list
	// stale; serve it to the caller but keep it out of the cache
	r.mu.Lock()
	if r.gen[ep] == gen {
		r.cache[ep] = cachedList{rules: rules, cachedAt: time.Now()}
	}
	r.mu.Unlock()

	return copyRules(rules), nil
}

// Invalidate drops the cached list for an entry point and broadcasts the
// invalidation. Called after every rule create, update or delete.
func (r *Repository) Invalidate(ctx context.Context, ep models.EntryPoint) {
	r.InvalidateLocal(ep)
	if r.broadcaster == nil {
		return
	}
	if err := r.broadcaster.Broadcast(ctx, ep); err != nil {
		r.log.Warn().Str("entry_point", string(ep)).Err(err).Msg("invalidation broadcast failed")
	}
}

// InvalidateLocal drops only the process-local cache entry. Used by the
// broadcast listener so a received invalidation does not re-broadcast.
func (r *Repository) InvalidateLocal(ep models.EntryPoint) {
	r.mu.Lock()
	delete(r.cache, ep)
	r.gen[ep]++
	r.mu.Unlock()
}

func copyRules(rules []models.Rule) []models.Rule {
	out := make([]models.Rule, len(rules))
	copy(out, rules)
	return out
}
