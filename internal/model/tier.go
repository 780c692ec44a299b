package model

import "sync"

// Tier is the abstract capability class of a model.
type Tier string

const (
	// TierFast is the cheapest, lowest-latency tier.
	TierFast Tier = "fast"
	// TierSmartMid is the mid capability tier.
	TierSmartMid Tier = "smart-mid"
	// TierSmartHigh is the highest capability tier.
	TierSmartHigh Tier = "smart-high"
	// TierAuto defers tier selection to the orchestrator.
	TierAuto Tier = "auto"
)

// Info describes the concrete model behind a tier.
type Info struct {
	ID      string // model identifier sent to the client
	Display string // human-readable name
}

// Catalog maps tiers to concrete models. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	byTier map[Tier]Info
}

// DefaultCatalog returns the built-in tier mapping.
func DefaultCatalog() *Catalog {
	return &Catalog{
		byTier: map[Tier]Info{
			TierFast:      {ID: "claude-haiku-latest", Display: "Claude Haiku"},
			TierSmartMid:  {ID: "claude-sonnet-latest", Display: "Claude Sonnet"},
			TierSmartHigh: {ID: "claude-opus-latest", Display: "Claude Opus"},
		},
	}
}

// Set overrides the model behind a tier.
func (c *Catalog) Set(tier Tier, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTier[tier] = info
}

// Lookup returns the model info for a tier. Unknown tiers (including
// TierAuto) fall back to the fast tier.
func (c *Catalog) Lookup(tier Tier) Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.byTier[tier]; ok {
		return info
	}
	return c.byTier[TierFast]
}

// ParseTier normalizes a tier string, defaulting to TierAuto for unknown values.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierFast, TierSmartMid, TierSmartHigh, TierAuto:
		return Tier(s)
	}
	return TierAuto
}
