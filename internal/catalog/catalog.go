// Package catalog maintains the per-upstream cache of model records with
// fee-adjusted pricing, and resolves inbound model identifiers to a
// concrete (upstream, model) pair.
package catalog

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rawblock/inference-gateway/internal/cost"
	"github.com/rawblock/inference-gateway/pkg/models"
)

// ModelSource is the slice of an upstream adapter the catalog needs.
type ModelSource interface {
	Upstream() models.Upstream
	FetchModels(ctx context.Context) ([]models.Model, error)
}

// Override replaces (or, when disabled, suppresses) an upstream's cached
// view of one model.
type Override struct {
	Model   models.Model
	Enabled bool
}

// OverrideFunc loads the override rows for one upstream; nil when the
// gateway runs without a database.
type OverrideFunc func(ctx context.Context, upstreamID string) (map[string]Override, error)

// blockedModels is the hand-curated exclusion list. These ids are filtered
// on the producer side regardless of what the upstream advertises.
var blockedModels = map[string]bool{
	"openrouter/auto":    true,
	"openai/gpt-4-base":  true,
	"anthropic/claude-1": true,
}

// snapshot is an immutable view of one upstream's models. Readers take the
// whole struct; the refresher swaps it in one pointer write.
type snapshot struct {
	upstream models.Upstream
	models   []models.Model
	byID     map[string]*models.Model
	taken    time.Time
}

type Catalog struct {
	rates     cost.RateSource
	overrides OverrideFunc

	mu        sync.RWMutex
	snapshots map[string]*snapshot
}

const (
	DefaultRefreshInterval = 300 * time.Second
	refreshJitter          = 0.10
)

func New(rates cost.RateSource, overrides OverrideFunc) *Catalog {
	return &Catalog{
		rates:     rates,
		overrides: overrides,
		snapshots: make(map[string]*snapshot),
	}
}

// errNoRate defers refreshes until the exchange oracle has a price. A
// snapshot built on a zero rate would carry zero sats pricing and every
// reservation against it would collapse to the floor.
var errNoRate = errors.New("exchange rate not yet available")

// Refresh rebuilds the cache for one upstream. Best effort: any failure
// preserves the previous snapshot.
func (c *Catalog) Refresh(ctx context.Context, src ModelSource) error {
	up := src.Upstream()
	usdPerSat := c.rates.UsdPerSat()
	if usdPerSat <= 0 {
		log.Printf("[Catalog] %s refresh deferred, %v", up.ID, errNoRate)
		return errNoRate
	}
	fetched, err := src.FetchModels(ctx)
	if err != nil {
		log.Printf("[Catalog] %s refresh failed, keeping previous snapshot: %v", up.ID, err)
		return err
	}

	var overrides map[string]Override
	if c.overrides != nil {
		if overrides, err = c.overrides(ctx, up.ID); err != nil {
			log.Printf("[Catalog] %s override load failed: %v", up.ID, err)
			overrides = nil
		}
	}

	fee := up.ProviderFee
	if fee <= 0 {
		fee = models.DefaultProviderFee(up.Provider)
	}

	kept := lo.FilterMap(fetched, func(m models.Model, _ int) (models.Model, bool) {
		if ov, ok := overrides[m.ID]; ok {
			if !ov.Enabled {
				return models.Model{}, false
			}
			// The override row completely replaces the upstream's version.
			m = ov.Model
		}
		if blockedModels[m.ID] || !modelUsable(m) {
			return models.Model{}, false
		}

		m.UpstreamID = up.ID
		m.Enabled = true
		m.Pricing = m.Pricing.Scale(fee)
		cost.DeriveMaxCosts(&m)
		m.SatsPricing = m.Pricing.Scale(1 / usdPerSat)
		return m, true
	})

	snap := &snapshot{
		upstream: up,
		models:   kept,
		byID:     make(map[string]*models.Model, len(kept)),
		taken:    time.Now(),
	}
	for i := range snap.models {
		snap.byID[snap.models[i].ID] = &snap.models[i]
	}

	c.mu.Lock()
	c.snapshots[up.ID] = snap
	c.mu.Unlock()

	log.Printf("[Catalog] %s refreshed: %d models", up.ID, len(kept))
	return nil
}

// modelUsable filters records the upstream marked disabled before the
// gateway ever applied an override.
func modelUsable(m models.Model) bool {
	return m.ID != ""
}

// RunRefresher refreshes every source until ctx is cancelled, with ±10%
// jitter so a fleet of gateways does not hammer the upstreams in lockstep.
func (c *Catalog) RunRefresher(ctx context.Context, sources []ModelSource, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	log.Println("[Catalog] Starting model catalog refresher...")

	// The first refresh must not race the oracle's first fetch; a zero rate
	// would defer every source for a whole interval.
	for c.rates.UsdPerSat() <= 0 {
		select {
		case <-ctx.Done():
			log.Println("[Catalog] Stopping model catalog refresher...")
			return
		case <-time.After(time.Second):
		}
	}

	refreshAll := func() {
		for _, src := range sources {
			if ctx.Err() != nil {
				return
			}
			_ = c.Refresh(ctx, src)
		}
	}
	refreshAll()

	for {
		jitter := 1 + refreshJitter*(2*rand.Float64()-1)
		select {
		case <-ctx.Done():
			log.Println("[Catalog] Stopping model catalog refresher...")
			return
		case <-time.After(time.Duration(float64(interval) * jitter)):
			refreshAll()
		}
	}
}

// Models returns the cached records for one upstream.
func (c *Catalog) Models(upstreamID string) []models.Model {
	c.mu.RLock()
	snap, ok := c.snapshots[upstreamID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	return snap.models
}

// AllModels returns every cached record across upstreams.
func (c *Catalog) AllModels() []models.Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []models.Model
	for _, snap := range c.snapshots {
		out = append(out, snap.models...)
	}
	return out
}

// Size reports cached model counts per upstream, for the health endpoint.
func (c *Catalog) Size() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.snapshots))
	for id, snap := range c.snapshots {
		out[id] = len(snap.models)
	}
	return out
}

// PrimaryUpstream returns the first upstream in iteration order. Body-less
// passthrough requests that name no model go there.
func (c *Catalog) PrimaryUpstream() (models.Upstream, bool) {
	snaps := c.ordered()
	if len(snaps) == 0 {
		return models.Upstream{}, false
	}
	return snaps[0].upstream, true
}

// ordered returns snapshots with non-OpenRouter upstreams first, then by
// upstream id, so candidate iteration is deterministic.
func (c *Catalog) ordered() []*snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snaps := lo.Values(c.snapshots)
	primary := lo.Filter(snaps, func(s *snapshot, _ int) bool {
		return s.upstream.Provider != models.ProviderOpenRouter
	})
	routers := lo.Filter(snaps, func(s *snapshot, _ int) bool {
		return s.upstream.Provider == models.ProviderOpenRouter
	})
	sortSnapshots(primary)
	sortSnapshots(routers)
	return append(primary, routers...)
}

func sortSnapshots(s []*snapshot) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].upstream.ID < s[j-1].upstream.ID; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
