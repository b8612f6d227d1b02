package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"binance-threshold-bot-go/internal/feed"
	"binance-threshold-bot-go/internal/models"

	"go.uber.org/zap"
)

// PaperTrade 记录一笔模拟成交。
type PaperTrade struct {
	Time     time.Time
	Symbol   string
	Side     models.Side
	Price    float64
	Quantity float64
}

// PaperGateway 在本地模拟撮合：按行情源的最新价成交，维护计价资产和基础
// 资产两个余额。用于在不动真实资金的情况下验证整条决策链路。
type PaperGateway struct {
	feed   feed.PriceFeed
	logger *zap.Logger

	mu       sync.Mutex
	quote    float64 // 计价资产余额（如 USDT）
	base     float64 // 基础资产持仓（如 BTC）
	trades   []PaperTrade
	orderSeq int64
}

var _ Gateway = (*PaperGateway)(nil)

// NewPaperGateway 创建模拟通道。initialQuote 是初始计价资产余额。
func NewPaperGateway(f feed.PriceFeed, initialQuote float64, logger *zap.Logger) *PaperGateway {
	return &PaperGateway{
		feed:   f,
		quote:  initialQuote,
		logger: logger,
	}
}

// PlaceBuy 按最新行情价模拟买入；计价资产不足时拒单。
func (g *PaperGateway) PlaceBuy(ctx context.Context, symbol string, quantity float64) (*models.FillResult, error) {
	if quantity <= 0 {
		return nil, models.NewGatewayFailureError("买入数量必须为正: %v", quantity)
	}
	price, err := g.executionPrice(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cost := price * quantity
	if cost > g.quote {
		return &models.FillResult{
			Status:  models.FillError,
			Message: fmt.Sprintf("模拟余额不足: 需要 %.4f, 剩余 %.4f", cost, g.quote),
		}, nil
	}

	g.quote -= cost
	g.base += quantity
	fill := g.record(symbol, models.Buy, price, quantity)

	g.logger.Info("模拟买入成交",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("quantity", quantity),
		zap.Float64("quote_balance", g.quote))
	return fill, nil
}

// PlaceSell 按最新行情价模拟卖出；数量超过持仓时按持仓clamp，空仓拒单。
func (g *PaperGateway) PlaceSell(ctx context.Context, symbol string, quantity float64) (*models.FillResult, error) {
	if quantity <= 0 {
		return nil, models.NewGatewayFailureError("卖出数量必须为正: %v", quantity)
	}
	price, err := g.executionPrice(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.base <= 0 {
		return &models.FillResult{
			Status:  models.FillError,
			Message: "模拟持仓为空，无法卖出",
		}, nil
	}

	matched := math.Min(quantity, g.base)
	g.base -= matched
	g.quote += price * matched
	fill := g.record(symbol, models.Sell, price, matched)

	g.logger.Info("模拟卖出成交",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("quantity", matched),
		zap.Float64("quote_balance", g.quote))
	return fill, nil
}

// Balances 返回当前的计价资产余额和基础资产持仓。
func (g *PaperGateway) Balances() (quote, base float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.quote, g.base
}

// Trades 返回模拟成交记录的副本。
func (g *PaperGateway) Trades() []PaperTrade {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PaperTrade, len(g.trades))
	copy(out, g.trades)
	return out
}

// record 追加成交记录并构造回报，调用方必须已持有锁。
func (g *PaperGateway) record(symbol string, side models.Side, price, quantity float64) *models.FillResult {
	g.orderSeq++
	g.trades = append(g.trades, PaperTrade{
		Time:     time.Now(),
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: quantity,
	})
	return &models.FillResult{
		Status:        models.FillFilled,
		Price:         price,
		Quantity:      quantity,
		OrderID:       g.orderSeq,
		ClientOrderID: newClientOrderID(),
	}
}

// executionPrice 取撮合价：优先用缓存样本，过期时强制取一次新价。
func (g *PaperGateway) executionPrice(ctx context.Context) (float64, error) {
	sample, err := g.feed.LatestPrice()
	if err != nil {
		sample, err = g.feed.FreshPrice(ctx)
		if err != nil {
			return 0, err
		}
	}
	return sample.Price, nil
}
