package billing

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/gradekit/pkg/logger"
)

// TierResolver maps a provider price to a tier. It is the only place
// where price identifiers and amounts are interpreted.
type TierResolver struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewTierResolver creates a resolver over the given catalog.
// Panics if catalog is nil.
func NewTierResolver(catalog *Catalog, log *slog.Logger) *TierResolver {
	if catalog == nil {
		panic("billing: catalog is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TierResolver{catalog: catalog, logger: log}
}

// Resolve returns the tier of a subscription line item. A known price
// identifier wins; otherwise the amount ladder decides and the unmapped
// identifier is logged so the catalog can be extended.
func (r *TierResolver) Resolve(ctx context.Context, priceID string, amount int64) Tier {
	if t, ok := r.Lookup(priceID); ok {
		return t
	}

	t := r.TierForAmount(amount)
	r.logger.WarnContext(ctx, "price not in catalog, resolved by amount",
		logger.Component("tier_resolver"),
		slog.String("price_id", priceID),
		slog.Int64("amount", amount),
		logger.Tier(t.String()),
	)
	return t
}

// Lookup resolves a tier by exact price identifier.
func (r *TierResolver) Lookup(priceID string) (Tier, bool) {
	if priceID == "" {
		return TierFreeTrial, false
	}
	t, ok := r.catalog.Prices[priceID]
	return t, ok
}

// TierForAmount applies the amount ladder: the highest threshold not above
// amount wins. Amounts below the first threshold map to the free trial.
func (r *TierResolver) TierForAmount(amount int64) Tier {
	tier := TierFreeTrial
	for _, step := range r.catalog.Ladder {
		if amount < step.MinAmount {
			break
		}
		tier = step.Tier
	}
	return tier
}
