package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrPlanNotFound is returned when a plan id is unknown or inactive.
var ErrPlanNotFound = errors.New("catalog: plan not found")

// DefaultCurrency prices plans that do not name a currency.
const DefaultCurrency = "NGN"

// Plan is a purchasable bundle. The catalog is read-only from this service.
type Plan struct {
	ID               string          `json:"id" yaml:"id"`
	Network          string          `json:"network" yaml:"network"`
	Name             string          `json:"name" yaml:"name"`
	ProviderPlanCode string          `json:"provider_plan_code" yaml:"provider_plan_code"`
	Price            decimal.Decimal `json:"price" yaml:"price"`
	Currency         string          `json:"currency,omitempty" yaml:"currency"`
}

// PriceCurrency is the ISO code the price is denominated in.
func (p Plan) PriceCurrency() string {
	if c := strings.TrimSpace(p.Currency); c != "" {
		return strings.ToUpper(c)
	}
	return DefaultCurrency
}

// Catalog resolves plan ids to price and provider code.
type Catalog interface {
	Lookup(ctx context.Context, planID string) (Plan, error)
	List(ctx context.Context, network string) ([]Plan, error)
}

// NormalizeNetwork lower-cases and trims a network name so "MTN " and "mtn" match.
func NormalizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}
