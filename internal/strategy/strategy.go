// Package strategy contains the pluggable decision strategies the engine
// evaluates against each price sample. A strategy only turns an observation
// into a buy/sell/hold signal; it never places orders and never touches the
// position ledger.
package strategy

import (
	"binance-threshold-bot-go/internal/models"
)

// Strategy produces a trading signal from a single evaluation snapshot.
// History-aware implementations may keep internal price history, but the
// decision must derive only from the context and that history. The engine
// serializes calls to Decide, so implementations need no internal locking.
type Strategy interface {
	Name() string
	Decide(ctx models.DecisionContext) (models.Signal, error)
}

// Seeder is implemented by strategies that can preload price history from
// recent closes before the first live evaluation.
type Seeder interface {
	Seed(closes []float64)
}

// Registered strategy names.
const (
	NameThreshold     = "threshold"
	NameMovingAverage = "moving_average"
)

// Names lists the strategies the registry can build, in a stable order.
func Names() []string {
	return []string{NameThreshold, NameMovingAverage}
}

// New builds a fresh strategy instance by name. The window arguments only
// apply to the moving-average strategy.
func New(name string, shortWindow, longWindow int) (Strategy, error) {
	switch name {
	case NameThreshold:
		return NewThreshold(), nil
	case NameMovingAverage:
		return NewMovingAverage(shortWindow, longWindow)
	default:
		return nil, models.NewConfigurationError("unknown strategy %q", name)
	}
}
