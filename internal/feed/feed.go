package feed

import (
	"context"

	"binance-threshold-bot-go/internal/models"
)

// PriceFeed 定义行情来源的抽象，屏蔽底层是 REST 轮询还是 WebSocket 流。
// 引擎只关心两件事：当前缓存的样本（可能过期）和一次强制的最新报价。
type PriceFeed interface {
	// LatestPrice 返回缓存中的最新样本；尚无样本或样本过期时返回
	// FEED_UNAVAILABLE 错误。
	LatestPrice() (models.PriceSample, error)

	// FreshPrice 绕过缓存，直接向交易所请求一次最新价格。
	FreshPrice(ctx context.Context) (models.PriceSample, error)

	// StartFeeding 启动指定交易对的行情采集；重复启动是错误。
	StartFeeding(symbol string) error

	// StopFeeding 停止采集并等待后台协程退出；未启动时为空操作。
	StopFeeding()

	// Restart 重启行情采集并等到重新拿到一个新鲜样本为止。
	Restart(ctx context.Context) error
}

// CloseFetcher 是行情源的可选能力：拉取最近的K线收盘价，供均线类策略预热。
type CloseFetcher interface {
	RecentCloses(ctx context.Context, limit int) ([]float64, error)
}
