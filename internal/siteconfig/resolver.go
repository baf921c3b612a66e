// Package siteconfig resolves which agent's payment configuration applies to
// a payer transacting through a given agent.
package siteconfig

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/circuitbreaker"
	"github.com/mbd888/agentpay/internal/logging"
	"github.com/mbd888/agentpay/internal/metrics"
	"github.com/mbd888/agentpay/internal/traces"
)

// Resolution is the configuration that applies to an agent and the agent
// that owns it. The owner is the receiving agent for new transactions.
type Resolution struct {
	AgentID    string             `json:"agentId"`
	OwnerID    string             `json:"ownerId"`
	OwnerLevel agents.Level       `json:"ownerLevel"`
	Config     *agents.SiteConfig `json:"config"`
}

// Cache stores resolutions between tree writes. Entries are scoped to a
// generation: Purge starts a new one, and a Set carrying an older generation
// must never become visible. Callers read the generation before computing a
// value so a write racing with a purge cannot resurrect stale data.
type Cache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, gen int64, agentID string) (*Resolution, bool, error)
	Set(ctx context.Context, gen int64, agentID string, res *Resolution, ttl time.Duration) error
	Purge(ctx context.Context) error
}

// Resolver maps agents to their effective configuration. Without a cache
// every call reads the live tree.
type Resolver struct {
	store   agents.Store
	cache   Cache
	ttl     time.Duration
	breaker *circuitbreaker.Breaker

	// suspect is set when a purge failed; the cache is bypassed until the
	// next successful Invalidate.
	suspect atomic.Bool
}

// NewResolver creates a resolver over store.
func NewResolver(store agents.Store) *Resolver {
	return &Resolver{store: store}
}

// WithCache enables caching of resolutions for ttl. Repeated cache errors
// trip a breaker and resolution reads the store alone until it recovers.
func (r *Resolver) WithCache(cache Cache, ttl time.Duration) *Resolver {
	r.cache = cache
	r.ttl = ttl
	r.breaker = circuitbreaker.New("siteconfig_cache", circuitbreaker.DefaultThreshold, circuitbreaker.DefaultCooldown)
	return r
}

// Resolve returns the configuration a payer sees when paying through
// agentID. Root and level-1 agents use their own configuration; deeper
// agents use their nearest level-1 ancestor's, or root's when they have
// none. A missing configuration at the chosen owner is ErrConfigNotFound.
// Disabled agents resolve normally.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*Resolution, error) {
	ctx, span := traces.StartSpan(ctx, "siteconfig.Resolve", traces.AgentID(agentID))
	defer span.End()

	var gen int64
	useCache := r.cache != nil && !r.suspect.Load()
	if useCache && !r.breaker.Allow() {
		metrics.ResolverCacheTotal.WithLabelValues("skipped").Inc()
		useCache = false
	}
	if useCache {
		var err error
		if gen, err = r.cache.Generation(ctx); err != nil {
			metrics.ResolverCacheTotal.WithLabelValues("error").Inc()
			logging.L(ctx).Warn("config cache unavailable", "error", err)
			r.breaker.RecordFailure()
			useCache = false
		}
	}
	if useCache {
		res, ok, err := r.cache.Get(ctx, gen, agentID)
		switch {
		case err != nil:
			metrics.ResolverCacheTotal.WithLabelValues("error").Inc()
			logging.L(ctx).Warn("config cache read failed", "agent_id", agentID, "error", err)
			r.breaker.RecordFailure()
			useCache = false
		case ok:
			metrics.ResolverCacheTotal.WithLabelValues("hit").Inc()
			r.breaker.RecordSuccess()
			return res, nil
		default:
			metrics.ResolverCacheTotal.WithLabelValues("miss").Inc()
			r.breaker.RecordSuccess()
		}
	}

	res, err := r.resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}

	if useCache {
		if err := r.cache.Set(ctx, gen, agentID, res, r.ttl); err != nil {
			logging.L(ctx).Warn("config cache write failed", "agent_id", agentID, "error", err)
			r.breaker.RecordFailure()
		}
	}
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, agentID string) (*Resolution, error) {
	agent, err := r.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	owner := agent
	if agent.Level > agents.LevelMin {
		chain, err := agents.Ancestors(ctx, r.store, agentID)
		if err != nil {
			return nil, err
		}
		owner = nil
		for _, a := range chain {
			if a.Level == agents.LevelMin {
				owner = a
				break
			}
		}
		if owner == nil {
			if len(chain) == 0 || !chain[len(chain)-1].IsRoot() {
				return nil, fmt.Errorf("%w: %s does not descend from root", apperr.ErrCorruptHierarchy, agentID)
			}
			owner = chain[len(chain)-1]
		}
	}

	if owner.SiteConfig.IsEmpty() {
		return nil, fmt.Errorf("%w: agent %s has no payment configuration", apperr.ErrConfigNotFound, owner.ID)
	}
	return &Resolution{
		AgentID:    agentID,
		OwnerID:    owner.ID,
		OwnerLevel: owner.Level,
		Config:     owner.SiteConfig.Clone(),
	}, nil
}

// ReceivingAgent returns the id of the agent whose configuration collects
// payments made through agentID.
func (r *Resolver) ReceivingAgent(ctx context.Context, agentID string) (string, error) {
	res, err := r.Resolve(ctx, agentID)
	if err != nil {
		return "", err
	}
	return res.OwnerID, nil
}

// Invalidate drops every cached resolution. It is called after any write
// that can change a resolution: agent create or delete and config updates.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	if err := r.cache.Purge(ctx); err != nil {
		r.suspect.Store(true)
		return fmt.Errorf("purge config cache: %w", err)
	}
	r.suspect.Store(false)
	return nil
}

var _ agents.Invalidator = (*Resolver)(nil)
