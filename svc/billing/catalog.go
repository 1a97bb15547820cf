package billing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Unlimited is the limit value of tiers without a submission cap.
const Unlimited int64 = -1

//go:embed catalog.yaml
var defaultCatalog []byte

// Threshold maps a minimum monthly amount (minor units) to a tier.
type Threshold struct {
	MinAmount int64
	Tier      Tier
}

// Catalog is the plan configuration: known price identifiers, the canonical
// amount ladder and the base submission limit of each tier.
type Catalog struct {
	Prices map[string]Tier
	Ladder []Threshold
	Limits map[Tier]int64
}

type catalogFile struct {
	Prices map[string]string `yaml:"prices"`
	Ladder []struct {
		MinAmount int64  `yaml:"min_amount"`
		Tier      string `yaml:"tier"`
	} `yaml:"ladder"`
	Limits map[string]int64 `yaml:"limits"`
}

// DefaultCatalog returns the compiled-in catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic("billing: default catalog: " + err.Error())
	}
	return c
}

// LoadCatalog reads a catalog from a YAML file. An empty path returns the
// compiled-in default.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}

	c := &Catalog{
		Prices: make(map[string]Tier, len(f.Prices)),
		Limits: make(map[Tier]int64, len(f.Limits)),
	}
	for id, name := range f.Prices {
		t, err := ParseTier(name)
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalog, fmt.Errorf("price %s: %w", id, err))
		}
		c.Prices[id] = t
	}
	for _, step := range f.Ladder {
		t, err := ParseTier(step.Tier)
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalog, err)
		}
		c.Ladder = append(c.Ladder, Threshold{MinAmount: step.MinAmount, Tier: t})
	}
	for name, limit := range f.Limits {
		t, err := ParseTier(name)
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalog, err)
		}
		c.Limits[t] = limit
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the ladder is strictly increasing in both amount and
// tier, and that every tier has a base limit.
func (c *Catalog) Validate() error {
	for i, step := range c.Ladder {
		if step.MinAmount <= 0 {
			return fmt.Errorf("%w: ladder step %d must have a positive amount", ErrInvalidCatalog, i)
		}
		if step.Tier == TierFreeTrial {
			return fmt.Errorf("%w: ladder step %d cannot map to %s", ErrInvalidCatalog, i, TierFreeTrial)
		}
		if i == 0 {
			continue
		}
		prev := c.Ladder[i-1]
		if step.MinAmount <= prev.MinAmount || step.Tier <= prev.Tier {
			return fmt.Errorf("%w: ladder is not monotonic at step %d", ErrInvalidCatalog, i)
		}
	}
	for _, t := range Tiers() {
		limit, ok := c.Limits[t]
		if !ok {
			return fmt.Errorf("%w: missing limit for %s", ErrInvalidCatalog, t)
		}
		if limit < Unlimited {
			return fmt.Errorf("%w: limit for %s must be >= -1", ErrInvalidCatalog, t)
		}
	}
	return nil
}

// BaseLimit returns the base submission allotment of t.
func (c *Catalog) BaseLimit(t Tier) int64 {
	return c.Limits[t]
}

// PriceIDs returns the known price identifiers of t, sorted.
func (c *Catalog) PriceIDs(t Tier) []string {
	var ids []string
	for id, pt := range c.Prices {
		if pt == t {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
