package reporter

import (
	"fmt"
	"time"

	"binance-threshold-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储一个交易会话结束后计算出的所有绩效指标
type Metrics struct {
	Symbol         string
	TotalTrades    int
	Buys           int
	Sells          int
	BuyVolume      float64 // 买入总量（基础资产）
	SellVolume     float64 // 卖出总量（基础资产）
	RealizedProfit float64 // 已实现利润（计价资产）
	NetInvested    float64 // 期末仍占用的资金
	OpenLots       int     // 期末未平仓批次数
	OpenQuantity   float64 // 期末未平仓数量
	WinningSells   int
	LosingSells    int
	WinRate        float64 // 卖出中盈利的比例
	MaxDrawdown    float64 // 已实现利润曲线的最大回撤（绝对值）
	FirstTrade     time.Time
	LastTrade      time.Time
}

// BuildMetrics 根据成交事件与期末批次计算绩效指标。
// 事件按成交确认顺序排列，其中已携带逐笔累计值。
func BuildMetrics(symbol string, events []models.TradeEvent, lots []models.Lot) *Metrics {
	m := &Metrics{Symbol: symbol}

	m.TotalTrades = len(events)
	profits := make([]float64, 0, len(events))
	for i, ev := range events {
		if i == 0 {
			m.FirstTrade = ev.Time
		}
		m.LastTrade = ev.Time

		switch ev.Side {
		case models.Buy:
			m.Buys++
			m.BuyVolume += ev.Quantity
		case models.Sell:
			m.Sells++
			m.SellVolume += ev.Quantity
			if ev.RealizedProfitDelta > 0 {
				m.WinningSells++
			} else {
				m.LosingSells++
			}
		}
		profits = append(profits, ev.CumulativeProfit)
	}

	if len(events) > 0 {
		last := events[len(events)-1]
		m.RealizedProfit = last.CumulativeProfit
		m.NetInvested = last.NetInvested
	}
	if m.Sells > 0 {
		m.WinRate = float64(m.WinningSells) / float64(m.Sells) * 100
	}

	m.OpenLots = len(lots)
	for _, lot := range lots {
		m.OpenQuantity += lot.Quantity
	}

	m.MaxDrawdown = maxDrawdown(profits)
	return m
}

// maxDrawdown 计算累计利润曲线从峰值到谷底的最大跌幅。
// 曲线从零起步，百分比没有意义，这里返回计价资产的绝对值。
func maxDrawdown(curve []float64) float64 {
	if len(curve) < 2 {
		return 0.0
	}
	peak := curve[0]
	maxDD := 0.0

	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Render 把指标渲染成一张适合终端输出的报告表
func Render(m *Metrics) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("交易会话报告 %s", m.Symbol)

	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"买入次数", m.Buys},
		{"卖出次数", m.Sells},
		{"买入总量", fmt.Sprintf("%.8f", m.BuyVolume)},
		{"卖出总量", fmt.Sprintf("%.8f", m.SellVolume)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"已实现利润", fmt.Sprintf("%.2f USDT", m.RealizedProfit)},
		{"最大回撤", fmt.Sprintf("%.2f USDT", m.MaxDrawdown)},
		{"盈利卖出", m.WinningSells},
		{"亏损卖出", m.LosingSells},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"未平仓批次", m.OpenLots},
		{"未平仓数量", fmt.Sprintf("%.8f", m.OpenQuantity)},
		{"占用资金", fmt.Sprintf("%.2f USDT", m.NetInvested)},
	})

	if !m.FirstTrade.IsZero() {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"首笔成交", m.FirstTrade.Format("2006-01-02 15:04:05")},
			{"末笔成交", m.LastTrade.Format("2006-01-02 15:04:05")},
		})
	}

	return t.Render()
}
