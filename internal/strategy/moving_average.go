package strategy

import (
	"time"

	"binance-threshold-bot-go/internal/models"
)

// MovingAverage trades on simple moving-average crossovers: buy when the
// short average rises above the long one, sell when it falls below. It keeps
// a bounded price history of max(shortWindow, longWindow) samples and holds
// until the long window has filled.
//
// Not safe for concurrent use; the engine serializes evaluations.
type MovingAverage struct {
	shortWindow int
	longWindow  int

	history    []float64
	lastSample time.Time
}

var _ Strategy = (*MovingAverage)(nil)
var _ Seeder = (*MovingAverage)(nil)

// NewMovingAverage builds a crossover strategy with the given window sizes.
// The short window must be strictly smaller than the long one or the
// crossover has no meaning.
func NewMovingAverage(shortWindow, longWindow int) (*MovingAverage, error) {
	if shortWindow < 1 || longWindow < 1 {
		return nil, models.NewConfigurationError(
			"moving-average windows must be >= 1: short=%d long=%d", shortWindow, longWindow)
	}
	if shortWindow >= longWindow {
		return nil, models.NewConfigurationError(
			"short window %d must be smaller than long window %d", shortWindow, longWindow)
	}
	return &MovingAverage{
		shortWindow: shortWindow,
		longWindow:  longWindow,
		history:     make([]float64, 0, longWindow),
	}, nil
}

func (m *MovingAverage) Name() string {
	return NameMovingAverage
}

// Seed preloads the history with recent closes, oldest first, so the strategy
// does not have to sit through a full long window after startup. Only the
// most recent max(short, long) closes are retained.
func (m *MovingAverage) Seed(closes []float64) {
	for _, c := range closes {
		m.push(c)
	}
}

// Decide appends the sampled price to the history and compares the two
// averages. Re-evaluating the same sample (same SampledAt) does not advance
// the history, so a forced re-check after a threshold update cannot double
// count a price. Samples without a timestamp are always appended.
func (m *MovingAverage) Decide(ctx models.DecisionContext) (models.Signal, error) {
	if m.lastSample.IsZero() || !ctx.SampledAt.Equal(m.lastSample) {
		m.push(ctx.Price)
		m.lastSample = ctx.SampledAt
	}

	shortMA, ok := m.average(m.shortWindow)
	if !ok {
		return models.SignalHold, nil
	}
	longMA, ok := m.average(m.longWindow)
	if !ok {
		return models.SignalHold, nil
	}

	switch {
	case !ctx.InPosition && shortMA > longMA:
		return models.SignalBuy, nil
	case ctx.InPosition && shortMA < longMA:
		return models.SignalSell, nil
	default:
		return models.SignalHold, nil
	}
}

// HistoryLen reports how many samples the strategy currently holds.
func (m *MovingAverage) HistoryLen() int {
	return len(m.history)
}

func (m *MovingAverage) push(price float64) {
	m.history = append(m.history, price)
	if max := m.maxWindow(); len(m.history) > max {
		m.history = m.history[len(m.history)-max:]
	}
}

func (m *MovingAverage) maxWindow() int {
	if m.shortWindow > m.longWindow {
		return m.shortWindow
	}
	return m.longWindow
}

// average computes the simple mean of the trailing window samples. The second
// return is false until the history holds at least window samples.
func (m *MovingAverage) average(window int) (float64, bool) {
	if len(m.history) < window {
		return 0, false
	}
	sum := 0.0
	for _, p := range m.history[len(m.history)-window:] {
		sum += p
	}
	return sum / float64(window), true
}
