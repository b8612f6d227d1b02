package exchange

import (
	"context"

	"binance-threshold-bot-go/internal/models"
)

// Gateway 定义了引擎的下单通道。
// 这使得交易核心可以在真实下单和本地模拟撮合之间轻松切换。
//
// 返回值约定：传输层故障等硬错误通过 error 返回；交易所接受了订单但没有
// 成交（或被模拟撮合拒绝）时返回 Status 为 ERROR 的 FillResult。引擎从不在
// 持锁状态下调用这些方法，实现可以自由地做网络请求。
type Gateway interface {
	// PlaceBuy 以市价买入指定数量的基础资产。
	PlaceBuy(ctx context.Context, symbol string, quantity float64) (*models.FillResult, error)

	// PlaceSell 以市价卖出指定数量的基础资产。
	PlaceSell(ctx context.Context, symbol string, quantity float64) (*models.FillResult, error)
}
