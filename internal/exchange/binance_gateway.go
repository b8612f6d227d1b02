package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-threshold-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// BinanceGateway 通过币安现货接口下市价单。
// 数量会先按交易对的 LOT_SIZE 步长向下取整，再转换成字符串提交。
type BinanceGateway struct {
	client *binance.Client
	logger *zap.Logger

	mu        sync.Mutex
	stepSizes map[string]string // symbol -> LOT_SIZE stepSize，懒加载后缓存
}

var _ Gateway = (*BinanceGateway)(nil)

// NewBinanceGateway 创建真实下单通道。测试网开关由调用方在构造 client 前
// 通过 binance.UseTestnet 设置。
func NewBinanceGateway(client *binance.Client, logger *zap.Logger) *BinanceGateway {
	return &BinanceGateway{
		client:    client,
		logger:    logger,
		stepSizes: make(map[string]string),
	}
}

// PlaceBuy 以市价买入。
func (g *BinanceGateway) PlaceBuy(ctx context.Context, symbol string, quantity float64) (*models.FillResult, error) {
	return g.placeMarketOrder(ctx, symbol, binance.SideTypeBuy, quantity)
}

// PlaceSell 以市价卖出。
func (g *BinanceGateway) PlaceSell(ctx context.Context, symbol string, quantity float64) (*models.FillResult, error) {
	return g.placeMarketOrder(ctx, symbol, binance.SideTypeSell, quantity)
}

func (g *BinanceGateway) placeMarketOrder(ctx context.Context, symbol string, side binance.SideType, quantity float64) (*models.FillResult, error) {
	step, err := g.stepSize(ctx, symbol)
	if err != nil {
		return nil, err
	}

	adjusted := adjustValueToStep(quantity, step)
	if adjusted <= 0 {
		return nil, models.NewGatewayFailureError("数量 %v 按步长 %s 调整后为零", quantity, step)
	}
	qtyStr := formatByStep(adjusted, step)
	clientID := newClientOrderID()

	g.logger.Info("提交市价单",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", qtyStr),
		zap.String("client_order_id", clientID))

	res, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(qtyStr).
		NewClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		return nil, models.NewGatewayFailureError("市价单提交失败: %v", err)
	}

	if res.Status != binance.OrderStatusTypeFilled {
		return &models.FillResult{
			Status:        models.FillError,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Message:       fmt.Sprintf("订单未成交，状态 %s", res.Status),
		}, nil
	}

	executed, err := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if err != nil || executed <= 0 {
		return &models.FillResult{
			Status:        models.FillError,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Message:       fmt.Sprintf("成交数量不可用: %q", res.ExecutedQuantity),
		}, nil
	}

	price := averageFillPrice(res, executed)
	if price <= 0 {
		return &models.FillResult{
			Status:        models.FillError,
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Message:       "无法从成交回报中得到成交均价",
		}, nil
	}

	g.logger.Info("市价单已成交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("avg_price", price),
		zap.Float64("executed_qty", executed),
		zap.Int64("order_id", res.OrderID))

	return &models.FillResult{
		Status:        models.FillFilled,
		Price:         price,
		Quantity:      executed,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
	}, nil
}

// stepSize 查询并缓存交易对的 LOT_SIZE 步长。
func (g *BinanceGateway) stepSize(ctx context.Context, symbol string) (string, error) {
	g.mu.Lock()
	if step, ok := g.stepSizes[symbol]; ok {
		g.mu.Unlock()
		return step, nil
	}
	g.mu.Unlock()

	info, err := g.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return "", models.NewGatewayFailureError("获取 %s 交易规则失败: %v", symbol, err)
	}

	step := ""
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if f := s.LotSizeFilter(); f != nil {
			step = f.StepSize
		}
	}
	if step == "" {
		return "", models.NewGatewayFailureError("未找到 %s 的 LOT_SIZE 过滤器", symbol)
	}

	g.mu.Lock()
	g.stepSizes[symbol] = step
	g.mu.Unlock()
	return step, nil
}

// averageFillPrice 优先用成交明细计算加权均价，退化时用累计成交额。
func averageFillPrice(res *binance.CreateOrderResponse, executed float64) float64 {
	var qtySum, quoteSum float64
	for _, fill := range res.Fills {
		p, err1 := strconv.ParseFloat(fill.Price, 64)
		q, err2 := strconv.ParseFloat(fill.Quantity, 64)
		if err1 == nil && err2 == nil {
			quoteSum += p * q
			qtySum += q
		}
	}
	if qtySum > 0 {
		return quoteSum / qtySum
	}

	cumQuote, err := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
	if err == nil && executed > 0 {
		return cumQuote / executed
	}
	return 0
}

// newClientOrderID 生成短小且大致单调的自定义订单ID，便于在对账单里定位。
func newClientOrderID() string {
	return "tbot-" + string(base62.FormatInt(time.Now().UnixNano()))
}

// adjustValueToStep 将数值按步长向下取整，通过字符串操作确保精度，
// 避免浮点误差触发交易所的 LOT_SIZE 拒单。
func adjustValueToStep(value float64, step string) float64 {
	if !strings.Contains(step, ".") {
		// 步长是 "1"、"10" 之类的整数时直接取整
		return math.Floor(value)
	}
	decimalPlaces := decimalPlacesOf(step)

	factor := math.Pow(10, float64(decimalPlaces))
	adjusted := math.Floor(value*factor) / factor

	final, _ := strconv.ParseFloat(fmt.Sprintf("%.*f", decimalPlaces, adjusted), 64)
	return final
}

// formatByStep 按步长的小数位数格式化数量字符串。
func formatByStep(value float64, step string) string {
	if !strings.Contains(step, ".") {
		return strconv.FormatFloat(math.Floor(value), 'f', 0, 64)
	}
	return fmt.Sprintf("%.*f", decimalPlacesOf(step), value)
}

func decimalPlacesOf(step string) int {
	return len(step) - strings.Index(step, ".") - 1
}
