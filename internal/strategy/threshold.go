package strategy

import (
	"math"

	"binance-threshold-bot-go/internal/models"
)

// Threshold implements the buy-low/sell-high rule: buy when the price reaches
// the buy threshold while flat, sell when it reaches the sell threshold while
// long. Both boundaries are inclusive.
type Threshold struct{}

var _ Strategy = (*Threshold)(nil)

// NewThreshold returns a stateless threshold strategy.
func NewThreshold() *Threshold {
	return &Threshold{}
}

func (t *Threshold) Name() string {
	return NameThreshold
}

// Decide compares the sampled price against the thresholds carried in the
// context. Thresholds that are not positive finite numbers mean the operator
// has not configured the pair yet, which is reported as a configuration error
// so the caller can hold instead of trading on garbage.
func (t *Threshold) Decide(ctx models.DecisionContext) (models.Signal, error) {
	if !usableThreshold(ctx.BuyThreshold) || !usableThreshold(ctx.SellThreshold) {
		return models.SignalHold, models.NewConfigurationError(
			"thresholds not usable: buy=%v sell=%v", ctx.BuyThreshold, ctx.SellThreshold)
	}
	switch {
	case !ctx.InPosition && ctx.Price <= ctx.BuyThreshold:
		return models.SignalBuy, nil
	case ctx.InPosition && ctx.Price >= ctx.SellThreshold:
		return models.SignalSell, nil
	default:
		return models.SignalHold, nil
	}
}

func usableThreshold(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
