// Package chartdata keeps the bounded price history and trade markers the
// web UI charts. The engine feeds it a point per decision cycle and a marker
// per fill; the HTTP layer snapshots it on demand.
package chartdata

import (
	"sync"
	"time"

	"binance-threshold-bot-go/internal/models"
)

// Manager holds chart state for one traded symbol. Safe for concurrent use.
type Manager struct {
	mu sync.RWMutex

	symbol        string
	buyThreshold  float64
	sellThreshold float64

	maxPoints int
	history   []models.PricePoint
	trades    []models.TradeMarker
}

// NewManager creates a manager that retains at most maxPoints price points.
// Non-positive values fall back to a single point so the chart always has a
// current price.
func NewManager(maxPoints int) *Manager {
	if maxPoints < 1 {
		maxPoints = 1
	}
	return &Manager{maxPoints: maxPoints}
}

// Reset clears history and markers and installs the new header. The engine
// calls this when a session starts or the coin changes.
func (m *Manager) Reset(symbol string, buyThreshold, sellThreshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbol = symbol
	m.buyThreshold = buyThreshold
	m.sellThreshold = sellThreshold
	m.history = nil
	m.trades = nil
}

// SetThresholds updates the header thresholds shown alongside the chart.
func (m *Manager) SetThresholds(buy, sell float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buyThreshold = buy
	m.sellThreshold = sell
}

// AddPrice appends one sampled price, evicting the oldest point once the
// bound is reached.
func (m *Manager) AddPrice(price float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, models.PricePoint{Time: at, Price: price})
	if len(m.history) > m.maxPoints {
		m.history = m.history[len(m.history)-m.maxPoints:]
	}
}

// AddTrade appends one executed-trade marker. Markers are never evicted; a
// session produces few of them.
func (m *Manager) AddTrade(marker models.TradeMarker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, marker)
}

// Snapshot returns a deep copy of the chart state, safe to marshal while the
// engine keeps appending.
func (m *Manager) Snapshot() models.ChartData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := models.ChartData{
		Symbol:        m.symbol,
		BuyThreshold:  m.buyThreshold,
		SellThreshold: m.sellThreshold,
		PriceHistory:  make([]models.PricePoint, len(m.history)),
		Trades:        make([]models.TradeMarker, len(m.trades)),
	}
	copy(out.PriceHistory, m.history)
	copy(out.Trades, m.trades)
	return out
}
