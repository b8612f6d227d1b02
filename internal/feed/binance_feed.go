package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"binance-threshold-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options 控制行情源的轮询与超时行为。
type Options struct {
	PollInterval   time.Duration // REST 轮询间隔
	StaleAfter     time.Duration // 缓存样本超过该时长视为过期；0 表示按 4 倍轮询间隔
	RequestTimeout time.Duration // 单次 REST 请求超时
	UseWebSocket   bool          // 是否同时订阅 miniTicker 流
	WSBaseURL      string        // WebSocket 基础地址
}

// BinanceFeed 通过币安公共接口采集行情：后台 REST 轮询兜底，可选 WebSocket
// 流提供亚秒级更新。两条路径都把样本写入同一个缓存。
type BinanceFeed struct {
	client *binance.Client
	logger *zap.Logger
	opts   Options

	mu      sync.RWMutex
	symbol  string
	sample  models.PriceSample
	running bool
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// NewBinanceFeed 创建行情源。client 可以是无密钥的公共客户端。
func NewBinanceFeed(client *binance.Client, opts Options, logger *zap.Logger) *BinanceFeed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 4 * opts.PollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return &BinanceFeed{
		client: client,
		logger: logger,
		opts:   opts,
	}
}

// StartFeeding 启动后台采集协程。
func (f *BinanceFeed) StartFeeding(symbol string) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return models.NewConfigurationError("行情采集已在运行: %s", f.symbol)
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.symbol = symbol
	f.sample = models.PriceSample{}
	f.running = true
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go f.pollLoop(ctx, symbol)
	if f.opts.UseWebSocket {
		f.wg.Add(1)
		go f.streamLoop(ctx, symbol)
	}

	f.logger.Info("行情源已启动",
		zap.String("symbol", symbol),
		zap.Duration("poll_interval", f.opts.PollInterval),
		zap.Bool("websocket", f.opts.UseWebSocket))
	return nil
}

// StopFeeding 停止采集并等待所有后台协程退出。
func (f *BinanceFeed) StopFeeding() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	symbol := f.symbol
	f.cancel()
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info("行情源已停止", zap.String("symbol", symbol))
}

// Restart 重启采集，并重试拉取一次新鲜价格，直到成功或 ctx 到期。
func (f *BinanceFeed) Restart(ctx context.Context) error {
	f.mu.RLock()
	symbol := f.symbol
	f.mu.RUnlock()
	if symbol == "" {
		return models.NewConfigurationError("行情源尚未启动，无法重启")
	}

	f.StopFeeding()
	if err := f.StartFeeding(symbol); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	notify := func(err error, d time.Duration) {
		f.logger.Warn("重启后拉取价格失败，稍后重试", zap.Error(err), zap.Duration("backoff", d))
	}
	operation := func() (models.PriceSample, error) {
		return f.FreshPrice(ctx)
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(5),
		backoff.WithNotify(notify))
	if err != nil {
		return models.NewFeedUnavailableError("行情源重启后仍无法取价: %v", err)
	}
	f.logger.Info("行情源重启完成", zap.String("symbol", symbol))
	return nil
}

// LatestPrice 返回缓存样本，带过期检查。
func (f *BinanceFeed) LatestPrice() (models.PriceSample, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.sample.At.IsZero() {
		return models.PriceSample{}, models.NewFeedUnavailableError("尚无 %s 的价格样本", f.symbol)
	}
	if age := time.Since(f.sample.At); age > f.opts.StaleAfter {
		return models.PriceSample{}, models.NewFeedUnavailableError("%s 的价格样本已过期 %s", f.symbol, age.Round(time.Millisecond))
	}
	return f.sample, nil
}

// FreshPrice 直接请求交易所的最新报价，成功后同时刷新缓存。
func (f *BinanceFeed) FreshPrice(ctx context.Context) (models.PriceSample, error) {
	f.mu.RLock()
	symbol := f.symbol
	f.mu.RUnlock()
	if symbol == "" {
		return models.PriceSample{}, models.NewConfigurationError("行情源尚未启动")
	}

	price, err := f.fetchTicker(ctx, symbol)
	if err != nil {
		return models.PriceSample{}, err
	}
	sample := models.PriceSample{Price: price, At: time.Now()}
	f.store(sample)
	return sample, nil
}

// RecentCloses 拉取最近 limit 根 1 分钟K线的收盘价，按时间从旧到新返回。
func (f *BinanceFeed) RecentCloses(ctx context.Context, limit int) ([]float64, error) {
	f.mu.RLock()
	symbol := f.symbol
	f.mu.RUnlock()
	if symbol == "" {
		return nil, models.NewConfigurationError("行情源尚未启动")
	}

	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, models.NewFeedUnavailableError("获取 %s K线失败: %v", symbol, err)
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		c, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			return nil, models.NewFeedUnavailableError("解析 %s 收盘价失败: %v", symbol, err)
		}
		closes = append(closes, c)
	}
	return closes, nil
}

func (f *BinanceFeed) store(sample models.PriceSample) {
	f.mu.Lock()
	f.sample = sample
	f.mu.Unlock()
}

func (f *BinanceFeed) fetchTicker(ctx context.Context, symbol string) (float64, error) {
	prices, err := f.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, models.NewFeedUnavailableError("获取 %s 价格失败: %v", symbol, err)
	}
	if len(prices) == 0 {
		return 0, models.NewFeedUnavailableError("交易所未返回 %s 的价格", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, models.NewFeedUnavailableError("解析 %s 价格失败: %v", symbol, err)
	}
	return price, nil
}

// pollLoop 按固定间隔轮询 REST 价格，启动时先立即拉一次。
func (f *BinanceFeed) pollLoop(ctx context.Context, symbol string) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	f.pollOnce(ctx, symbol)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollOnce(ctx, symbol)
		}
	}
}

func (f *BinanceFeed) pollOnce(ctx context.Context, symbol string) {
	reqCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
	defer cancel()

	price, err := f.fetchTicker(reqCtx, symbol)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Warn("REST 轮询取价失败", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	f.store(models.PriceSample{Price: price, At: time.Now()})
}

// streamLoop 是维持 WebSocket 行情流的守护协程：断线后按指数退避重连。
func (f *BinanceFeed) streamLoop(ctx context.Context, symbol string) {
	defer f.wg.Done()

	url := streamURL(f.opts.WSBaseURL, symbol)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second

	notify := func(err error, d time.Duration) {
		f.logger.Warn("WebSocket 连接失败，稍后重试", zap.Error(err), zap.Duration("backoff", d))
	}

	for {
		if ctx.Err() != nil {
			return
		}

		dial := func() (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		}
		conn, err := backoff.Retry(ctx, dial,
			backoff.WithBackOff(policy),
			backoff.WithNotify(notify))
		if err != nil {
			// 只有停止采集时才会走到这里
			return
		}

		f.logger.Info("WebSocket 行情流已连接", zap.String("url", url))
		if err := f.consumeStream(ctx, conn); err != nil {
			f.logger.Warn("WebSocket 行情流中断，准备重连", zap.Error(err))
		}
		conn.Close()
		policy.Reset()
	}
}

// consumeStream 读取一条已建立连接上的行情消息，并维持心跳。
func (f *BinanceFeed) consumeStream(ctx context.Context, conn *websocket.Conn) error {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = (pongWait * 9) / 10 // 必须小于 pongWait
	)

	// 用 Pong 处理器延长读取超时
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	// 定期发送 Ping；停止时发送关闭帧并断开，解除 ReadMessage 的阻塞
	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取行情消息失败: %w", err)
		}

		var tick struct {
			Close json.Number `json:"c"` // miniTicker 的最新成交价
		}
		if err := json.Unmarshal(message, &tick); err != nil {
			f.logger.Warn("解析行情消息失败", zap.Error(err))
			continue
		}
		price, err := tick.Close.Float64()
		if err != nil {
			f.logger.Warn("转换行情价格失败", zap.Error(err))
			continue
		}
		f.store(models.PriceSample{Price: price, At: time.Now()})
	}
}

func streamURL(base, symbol string) string {
	return fmt.Sprintf("%s/ws/%s@miniTicker", strings.TrimRight(base, "/"), strings.ToLower(symbol))
}
