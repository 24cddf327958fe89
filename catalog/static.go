package catalog

import (
	"context"
	"fmt"
	"sort"
)

// StaticCatalog serves a fixed plan list, typically loaded from configuration in
// single-node deployments.
type StaticCatalog struct {
	byID map[string]Plan
	all  []Plan
}

// NewStaticCatalog validates plans and indexes them by id.
func NewStaticCatalog(plans []Plan) (*StaticCatalog, error) {
	c := &StaticCatalog{byID: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" || p.ProviderPlanCode == "" {
			return nil, fmt.Errorf("catalog: plan %q: id and provider_plan_code are required", p.ID)
		}
		if p.Price.IsNegative() {
			return nil, fmt.Errorf("catalog: plan %q: negative price", p.ID)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan id %q", p.ID)
		}
		p.Network = NormalizeNetwork(p.Network)
		p.Currency = p.PriceCurrency()
		c.byID[p.ID] = p
		c.all = append(c.all, p)
	}

	sort.SliceStable(c.all, func(i, j int) bool {
		if c.all[i].Network != c.all[j].Network {
			return c.all[i].Network < c.all[j].Network
		}
		return c.all[i].Price.LessThan(c.all[j].Price)
	})
	return c, nil
}

func (c *StaticCatalog) Lookup(_ context.Context, planID string) (Plan, error) {
	p, ok := c.byID[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

func (c *StaticCatalog) List(_ context.Context, network string) ([]Plan, error) {
	network = NormalizeNetwork(network)
	out := make([]Plan, 0, len(c.all))
	for _, p := range c.all {
		if network == "" || p.Network == network {
			out = append(out, p)
		}
	}
	return out, nil
}
