package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Signal 定义了策略评估的输出
type Signal string

const (
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
	SignalHold Signal = "hold"
)

// PositionStatus 定义了持仓状态；仅在确认成交后切换
type PositionStatus string

const (
	PositionFlat PositionStatus = "FLAT" // 无持仓
	PositionLong PositionStatus = "LONG" // 至少有一个未平仓批次
)

// ThresholdState 保存当前生效的买卖阈值。
// UpdatedAt 单调递增，后写覆盖先写；buy >= sell 只记告警，不拒绝。
type ThresholdState struct {
	Buy       float64   `json:"buy"`
	Sell      float64   `json:"sell"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lot records a single buy fill held open for FIFO accounting.
// Later sells consume lots oldest first; a lot is removed once its
// quantity reaches zero.
type Lot struct {
	BuyPrice float64   `json:"buy_price"`
	Quantity float64   `json:"quantity"`
	OpenedAt time.Time `json:"opened_at"`
}

// TradeEvent is the immutable record of one confirmed fill, carrying the
// ledger totals as they stood immediately after the fill was applied.
// Events are appended in fill-confirmation order and never mutated.
type TradeEvent struct {
	Time                time.Time `json:"time"`
	Side                Side      `json:"side"`
	Price               float64   `json:"price"`
	Quantity            float64   `json:"quantity"`
	DollarAmount        float64   `json:"dollar_amount"`
	RealizedProfitDelta float64   `json:"realized_profit_delta"`
	NetInvested         float64   `json:"net_invested"`
	CumulativeProfit    float64   `json:"cumulative_profit"`
}

// DecisionContext is the per-evaluation snapshot handed to a Strategy.
// It is assembled under the engine's decision lock and never persisted.
type DecisionContext struct {
	Price         float64
	SampledAt     time.Time
	BuyThreshold  float64
	SellThreshold float64
	InPosition    bool
}

// PricePoint 是图表中的一个价格采样点
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// TradeMarker 是图表上的一笔成交标记
type TradeMarker struct {
	Time               time.Time `json:"time"`
	Side               Side      `json:"side"`
	Price              float64   `json:"price"`
	Quantity           float64   `json:"quantity"`
	ThresholdTriggered bool      `json:"threshold_triggered"`
}

// ChartData 是提供给 Web 界面的图表快照
type ChartData struct {
	Symbol        string        `json:"symbol"`
	BuyThreshold  float64       `json:"buy_threshold"`
	SellThreshold float64       `json:"sell_threshold"`
	PriceHistory  []PricePoint  `json:"price_history"`
	Trades        []TradeMarker `json:"trades"`
}
