// Package ledger implements FIFO lot accounting for a single-symbol position:
// every buy opens a lot, every sell consumes the oldest lots first, and
// realized profit is the sum of (sell price - lot buy price) over the consumed
// quantity.
//
// The ledger does no locking of its own. The engine mutates it inside its
// position critical section so the ledger, the position status and the last
// recorded action always change together.
package ledger

import (
	"math"
	"time"

	"binance-threshold-bot-go/internal/models"
)

// Ledger tracks open lots and running totals for one traded symbol.
type Ledger struct {
	lots             []models.Lot
	events           []models.TradeEvent
	netInvested      float64
	cumulativeProfit float64
}

// NewLedger returns an empty ledger: no lots, zero invested, zero profit.
func NewLedger() *Ledger {
	return &Ledger{}
}

// RecordBuy opens a new lot at the given fill price and quantity. Net
// invested grows by price*quantity; realized profit is untouched, buys never
// realize anything.
func (l *Ledger) RecordBuy(price, quantity float64, at time.Time) (models.TradeEvent, error) {
	if !positiveFinite(price) || !positiveFinite(quantity) {
		return models.TradeEvent{}, models.NewConfigurationError(
			"buy rejected: price=%v quantity=%v", price, quantity)
	}

	l.lots = append(l.lots, models.Lot{
		BuyPrice: price,
		Quantity: quantity,
		OpenedAt: at,
	})
	l.netInvested += price * quantity

	ev := models.TradeEvent{
		Time:                at,
		Side:                models.Buy,
		Price:               price,
		Quantity:            quantity,
		DollarAmount:        price * quantity,
		RealizedProfitDelta: 0,
		NetInvested:         l.netInvested,
		CumulativeProfit:    l.cumulativeProfit,
	}
	l.events = append(l.events, ev)
	return ev, nil
}

// RecordSell consumes open lots oldest-first at the given fill price. A
// request larger than the open quantity is clamped to what is actually held;
// the returned event carries the matched quantity. Selling with nothing held
// is an invariant violation.
func (l *Ledger) RecordSell(price, quantity float64, at time.Time) (models.TradeEvent, error) {
	if !positiveFinite(price) || !positiveFinite(quantity) {
		return models.TradeEvent{}, models.NewConfigurationError(
			"sell rejected: price=%v quantity=%v", price, quantity)
	}
	if len(l.lots) == 0 {
		return models.TradeEvent{}, models.NewInvariantViolationError(
			"sell of %v with no open lots", quantity)
	}

	remaining := quantity
	matched := 0.0
	profitDelta := 0.0

	for remaining > 0 && len(l.lots) > 0 {
		lot := &l.lots[0]
		consumed := math.Min(remaining, lot.Quantity)

		profitDelta += (price - lot.BuyPrice) * consumed
		l.netInvested -= lot.BuyPrice * consumed
		lot.Quantity -= consumed
		matched += consumed
		remaining -= consumed

		if lot.Quantity <= 0 {
			l.lots = l.lots[1:]
		}
	}
	if len(l.lots) == 0 {
		// Avoid float dust surviving a full close.
		l.netInvested = 0
	}
	l.cumulativeProfit += profitDelta

	ev := models.TradeEvent{
		Time:                at,
		Side:                models.Sell,
		Price:               price,
		Quantity:            matched,
		DollarAmount:        price * matched,
		RealizedProfitDelta: profitDelta,
		NetInvested:         l.netInvested,
		CumulativeProfit:    l.cumulativeProfit,
	}
	l.events = append(l.events, ev)
	return ev, nil
}

// NetInvested reports the cost basis of all open lots.
func (l *Ledger) NetInvested() float64 {
	return l.netInvested
}

// CumulativeProfit reports the total realized profit since the ledger was
// created. It only ever changes on sells.
func (l *Ledger) CumulativeProfit() float64 {
	return l.cumulativeProfit
}

// OpenQuantity reports the total quantity across all open lots.
func (l *Ledger) OpenQuantity() float64 {
	total := 0.0
	for _, lot := range l.lots {
		total += lot.Quantity
	}
	return total
}

// OpenLotCount reports how many lots are currently open.
func (l *Ledger) OpenLotCount() int {
	return len(l.lots)
}

// Lots returns a copy of the open lots, oldest first.
func (l *Ledger) Lots() []models.Lot {
	out := make([]models.Lot, len(l.lots))
	copy(out, l.lots)
	return out
}

// Events returns a copy of every recorded trade event in order.
func (l *Ledger) Events() []models.TradeEvent {
	out := make([]models.TradeEvent, len(l.events))
	copy(out, l.events)
	return out
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
