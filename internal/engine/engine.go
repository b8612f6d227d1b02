// Package engine 实现交易决策核心：按节奏采样价格、运行策略、经下单通道
// 成交，并以 FIFO 台账维护持仓与已实现盈亏。
//
// 并发模型用两把锁把状态切成两个关心面：
//
//   - decisionMu 保护决策面：阈值、策略引用、pendingCheck、executing 执行
//     令牌、运行标志和节奏选择。
//   - positionMu 保护持仓面：持仓状态、最近动作，以及与一次确认成交一起
//     原子落账的台账变更。
//
// decisionMu 内允许短暂地嵌套读取 positionMu 形成一致快照；反向的锁序
// 不允许出现。任何一把锁都绝不跨网络调用持有。
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"binance-threshold-bot-go/internal/chartdata"
	"binance-threshold-bot-go/internal/exchange"
	"binance-threshold-bot-go/internal/feed"
	"binance-threshold-bot-go/internal/journal"
	"binance-threshold-bot-go/internal/ledger"
	"binance-threshold-bot-go/internal/models"
	"binance-threshold-bot-go/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// orderTimeout 限定单次下单调用的最长耗时。
const orderTimeout = 30 * time.Second

// Options 汇集引擎的依赖与调度参数。Journal 可为 nil，表示不落盘。
type Options struct {
	Feed    feed.PriceFeed
	Gateway exchange.Gateway
	Ledger  *ledger.Ledger
	Chart   *chartdata.Manager
	Journal journal.Journal
	Logger  *zap.Logger

	PollInterval      time.Duration // 常规决策周期
	FastInterval      time.Duration // pendingCheck 置位期间的加速周期
	ImmediateRechecks int           // 阈值更新后立即复查的次数
	RecheckSpacing    time.Duration // 立即复查之间的间隔
	FeedFailureLimit  int           // 连续取价失败多少次后重启行情源
	FreshPriceTimeout time.Duration // 强制取价的超时
	WarmupCloses      int           // 启动时为均线类策略预热的K线数量，0 表示不预热
}

// Engine 是决策引擎，一个实例管理一个交易对的一个交易会话。
// 所有导出方法都可以被多个协程并发调用。
type Engine struct {
	opts Options
	log  *zap.Logger

	// 决策面，由 decisionMu 保护
	decisionMu   sync.Mutex
	symbol       string
	quantity     float64
	thresholds   models.ThresholdState
	strat        strategy.Strategy
	running      bool
	draining     bool // Stop 已发出、上个会话的循环尚未完全退出
	pendingCheck bool
	executing    bool
	cancel       context.CancelFunc // 与 running 在同一临界区内建立
	group        *errgroup.Group

	// 持仓面，由 positionMu 保护；台账不自带锁，只能在这把锁内访问
	positionMu sync.Mutex
	status     models.PositionStatus
	lastAction string

	recheckCh chan struct{}          // 单飞复查令牌，容量固定为 1
	eventCh   chan models.TradeEvent // 成交事件到日志写入协程的通道

	feedFailures int // 仅决策循环协程访问
}

// New 创建引擎并填充调度参数的默认值。
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 1500 * time.Millisecond
	}
	if opts.FastInterval <= 0 || opts.FastInterval > opts.PollInterval {
		opts.FastInterval = opts.PollInterval / 3
	}
	if opts.ImmediateRechecks <= 0 {
		opts.ImmediateRechecks = 3
	}
	if opts.RecheckSpacing <= 0 {
		opts.RecheckSpacing = 150 * time.Millisecond
	}
	if opts.FeedFailureLimit <= 0 {
		opts.FeedFailureLimit = 5
	}
	if opts.FreshPriceTimeout <= 0 {
		opts.FreshPriceTimeout = 5 * time.Second
	}

	return &Engine{
		opts:      opts,
		log:       opts.Logger,
		strat:     strategy.NewThreshold(),
		status:    models.PositionFlat,
		recheckCh: make(chan struct{}, 1),
		eventCh:   make(chan models.TradeEvent, 64),
	}
}

// Start 启动一个交易会话：启动行情源、预热策略、拉起决策循环。
// 引擎已在运行时返回 CONFIGURATION 错误。启动过程中允许并发调用 Stop，
// 此时会话在拉起循环之前被干净地收回，Start 返回错误。
func (e *Engine) Start(symbol string, buyThreshold, sellThreshold, quantity float64) error {
	if symbol == "" {
		return models.NewConfigurationError("交易对不能为空")
	}
	if !positiveFinite(buyThreshold) || !positiveFinite(sellThreshold) {
		return models.NewConfigurationError("阈值必须为有限正数: buy=%v sell=%v", buyThreshold, sellThreshold)
	}
	if !positiveFinite(quantity) {
		return models.NewConfigurationError("下单数量必须为有限正数: %v", quantity)
	}

	e.decisionMu.Lock()
	if e.running {
		e.decisionMu.Unlock()
		return models.NewConfigurationError("引擎已在运行: %s", e.symbol)
	}
	if e.draining {
		// 上个会话还在等在途订单收尾，不允许两个决策循环共存
		e.decisionMu.Unlock()
		return models.NewConfigurationError("引擎正在停止，请稍后重试")
	}
	// 取消句柄与运行标志在同一临界区内建立：并发的 Stop 只要看到 running
	// 为真，拿到的一定是本次会话的有效句柄
	loopCtx, cancel := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(loopCtx)
	e.running = true
	e.symbol = symbol
	e.quantity = quantity
	e.thresholds = models.ThresholdState{Buy: buyThreshold, Sell: sellThreshold, UpdatedAt: time.Now()}
	e.pendingCheck = false
	e.executing = false
	e.cancel = cancel
	e.group = g
	strat := e.strat
	// 清掉上一个会话可能遗留的复查令牌
	select {
	case <-e.recheckCh:
	default:
	}
	e.decisionMu.Unlock()

	if buyThreshold >= sellThreshold {
		e.log.Warn("买入阈值不低于卖出阈值，可能形成即买即卖的循环",
			zap.Float64("buy", buyThreshold), zap.Float64("sell", sellThreshold))
	}

	// 持仓状态从台账推导：进程内重启会话时不丢失已有持仓
	e.positionMu.Lock()
	if e.opts.Ledger.OpenQuantity() > 0 {
		e.status = models.PositionLong
	} else {
		e.status = models.PositionFlat
	}
	e.lastAction = ""
	e.positionMu.Unlock()

	if err := e.opts.Feed.StartFeeding(symbol); err != nil {
		e.abortStart(g, false)
		cancel()
		return err
	}

	// 有界等待首个价格样本，拿不到就不进入交易循环；上下文挂在会话上，
	// 启动窗口内的 Stop 会立刻中断这次等待
	fetchCtx, cancelFetch := context.WithTimeout(gCtx, e.opts.FreshPriceTimeout)
	sample, err := e.opts.Feed.FreshPrice(fetchCtx)
	cancelFetch()
	if err != nil {
		// 先判断会话是否已被并发的 Stop 取消，再执行自己的 cancel：
		// 顺序反了会把普通的取价失败也误报成"会话被停止"
		stopped := gCtx.Err() != nil
		e.abortStart(g, true)
		cancel()
		if stopped {
			return models.NewConfigurationError("启动期间会话被停止: %s", symbol)
		}
		return models.NewFeedUnavailableError("启动时无法获取 %s 的价格: %v", symbol, err)
	}

	e.opts.Chart.Reset(symbol, buyThreshold, sellThreshold)
	e.opts.Chart.AddPrice(sample.Price, sample.At)

	e.warmStrategy(strat)

	e.decisionMu.Lock()
	if !e.running || e.group != g {
		// Stop 在启动窗口内抢先执行过了：不拉起循环，收回刚启动的行情源
		e.decisionMu.Unlock()
		e.abortStart(g, true)
		cancel()
		return models.NewConfigurationError("启动期间会话被停止: %s", symbol)
	}
	g.Go(func() error {
		e.decisionLoop(gCtx)
		return nil
	})
	g.Go(func() error {
		e.statusLoop(gCtx)
		return nil
	})
	if e.opts.Journal != nil {
		g.Go(func() error {
			e.journalLoop(gCtx)
			return nil
		})
	}
	e.decisionMu.Unlock()

	e.log.Info("交易会话已启动",
		zap.String("symbol", symbol),
		zap.String("strategy", strat.Name()),
		zap.Float64("buy_threshold", buyThreshold),
		zap.Float64("sell_threshold", sellThreshold),
		zap.Float64("quantity", quantity),
		zap.Float64("initial_price", sample.Price))
	return nil
}

// abortStart 回滚一次中途失败的启动：撤销运行标志，并在 stopFeed 为真时
// 收回行情源。g 标识本次启动的会话，后续的 Start 已接管引擎时不碰其状态。
func (e *Engine) abortStart(g *errgroup.Group, stopFeed bool) {
	e.decisionMu.Lock()
	if e.group != g {
		e.decisionMu.Unlock()
		return
	}
	e.running = false
	e.decisionMu.Unlock()
	if stopFeed {
		e.opts.Feed.StopFeeding()
	}
}

// Stop 协作式停止会话：通知所有循环退出并等待在途的下单调用完成，最后
// 把事件通道里尚未落盘的成交补写进交易日志。未运行时为空操作。
func (e *Engine) Stop() {
	e.decisionMu.Lock()
	if !e.running {
		e.decisionMu.Unlock()
		return
	}
	e.running = false
	e.draining = true
	symbol := e.symbol
	cancel := e.cancel
	group := e.group
	e.decisionMu.Unlock()

	cancel()
	group.Wait()
	e.opts.Feed.StopFeeding()
	e.flushEvents()

	e.decisionMu.Lock()
	e.draining = false
	e.decisionMu.Unlock()

	e.log.Info("交易会话已停止", zap.String("symbol", symbol))
}

// Running 报告会话是否在运行。
func (e *Engine) Running() bool {
	e.decisionMu.Lock()
	defer e.decisionMu.Unlock()
	return e.running
}

// SetThresholds 原子地替换交易阈值。永不阻塞在订单执行上：只投递一个
// 单飞复查令牌，由决策循环去做立即复查。最后一次写入获胜。
func (e *Engine) SetThresholds(buy, sell float64) error {
	if !positiveFinite(buy) || !positiveFinite(sell) {
		return models.NewConfigurationError("阈值必须为有限正数: buy=%v sell=%v", buy, sell)
	}

	e.decisionMu.Lock()
	e.thresholds = models.ThresholdState{Buy: buy, Sell: sell, UpdatedAt: time.Now()}
	running := e.running
	if running {
		e.pendingCheck = true
	}
	e.decisionMu.Unlock()

	if buy >= sell {
		e.log.Warn("买入阈值不低于卖出阈值",
			zap.Float64("buy", buy), zap.Float64("sell", sell))
	}
	e.opts.Chart.SetThresholds(buy, sell)

	if running {
		// 令牌通道容量为 1：已有待处理令牌时这次投递直接落空，
		// 多次连续更新只触发一轮复查
		select {
		case e.recheckCh <- struct{}{}:
		default:
		}
	}

	e.log.Info("阈值已更新", zap.Float64("buy", buy), zap.Float64("sell", sell))
	return nil
}

// CurrentThresholds 返回当前阈值状态。
func (e *Engine) CurrentThresholds() models.ThresholdState {
	e.decisionMu.Lock()
	defer e.decisionMu.Unlock()
	return e.thresholds
}

// SetStrategy 热替换决策策略。替换前先为新策略预热历史，避免在策略被
// 共享之后再修改其内部状态。
func (e *Engine) SetStrategy(s strategy.Strategy) error {
	if s == nil {
		return models.NewConfigurationError("策略不能为空")
	}
	e.warmStrategy(s)

	e.decisionMu.Lock()
	old := e.strat.Name()
	e.strat = s
	e.decisionMu.Unlock()

	e.log.Info("策略已切换", zap.String("from", old), zap.String("to", s.Name()))
	return nil
}

// StrategyName 返回当前策略名。
func (e *Engine) StrategyName() string {
	e.decisionMu.Lock()
	defer e.decisionMu.Unlock()
	return e.strat.Name()
}

// PositionStatus 返回是否持仓以及最近一次动作的描述。
func (e *Engine) PositionStatus() (inPosition bool, lastAction string) {
	e.positionMu.Lock()
	defer e.positionMu.Unlock()
	return e.status == models.PositionLong, e.lastAction
}

// SessionSnapshot 是给控制面板的一致视图：决策面与持仓面在同一次
// 锁嵌套内读出，不会出现撕裂的组合。
type SessionSnapshot struct {
	Running          bool
	Symbol           string
	StrategyName     string
	Thresholds       models.ThresholdState
	Quantity         float64
	InPosition       bool
	LastAction       string
	OpenQuantity     float64
	OpenLots         int
	NetInvested      float64
	CumulativeProfit float64
}

// Snapshot 返回会话状态的一致快照。
func (e *Engine) Snapshot() SessionSnapshot {
	e.decisionMu.Lock()
	snap := SessionSnapshot{
		Running:      e.running,
		Symbol:       e.symbol,
		StrategyName: e.strat.Name(),
		Thresholds:   e.thresholds,
		Quantity:     e.quantity,
	}

	e.positionMu.Lock()
	snap.InPosition = e.status == models.PositionLong
	snap.LastAction = e.lastAction
	snap.OpenQuantity = e.opts.Ledger.OpenQuantity()
	snap.OpenLots = e.opts.Ledger.OpenLotCount()
	snap.NetInvested = e.opts.Ledger.NetInvested()
	snap.CumulativeProfit = e.opts.Ledger.CumulativeProfit()
	e.positionMu.Unlock()

	e.decisionMu.Unlock()
	return snap
}

// EvaluateCycle 对一个价格样本执行一次完整评估。返回值说明这一轮是否
// 尝试了下单、下单是否成交。
//
// 快照在 decisionMu 内一次取齐；买卖信号在放锁前先占用 executing 令牌，
// 并发的评估者看到令牌被占就直接退避，等下一轮重新观察持仓状态。这保证
// 同一次穿越最多只产生一笔订单，也保证网络调用不在任何锁内发生。
func (e *Engine) EvaluateCycle(ctx context.Context, sample models.PriceSample) (attempted, executed bool) {
	e.decisionMu.Lock()
	if !e.running || e.executing {
		e.decisionMu.Unlock()
		return false, false
	}
	strat := e.strat
	th := e.thresholds
	symbol := e.symbol
	quantity := e.quantity

	e.positionMu.Lock()
	inPosition := e.status == models.PositionLong
	e.positionMu.Unlock()

	signal, err := strat.Decide(models.DecisionContext{
		Price:         sample.Price,
		SampledAt:     sample.At,
		BuyThreshold:  th.Buy,
		SellThreshold: th.Sell,
		InPosition:    inPosition,
	})
	if err != nil {
		e.decisionMu.Unlock()
		e.log.Warn("策略评估失败，本轮按持有处理", zap.Error(err), zap.Float64("price", sample.Price))
		return false, false
	}
	if signal == models.SignalHold {
		if e.pendingCheck {
			// 信号不再成立，解除加速节奏
			e.pendingCheck = false
			e.log.Debug("阈值复查解除", zap.Float64("price", sample.Price))
		}
		e.decisionMu.Unlock()
		return false, false
	}

	e.executing = true
	e.decisionMu.Unlock()

	executed = e.executeSignal(ctx, signal, symbol, quantity, sample,
		strat.Name() == strategy.NameThreshold)

	e.decisionMu.Lock()
	e.executing = false
	if executed {
		e.pendingCheck = false
	}
	e.decisionMu.Unlock()
	return true, executed
}

// executeSignal 在锁外走下单通道，成交后把结果原子落账。
// 返回是否成交。
func (e *Engine) executeSignal(ctx context.Context, signal models.Signal, symbol string, quantity float64, sample models.PriceSample, byThreshold bool) bool {
	orderQty := quantity
	if signal == models.SignalSell {
		e.positionMu.Lock()
		open := e.opts.Ledger.OpenQuantity()
		e.positionMu.Unlock()
		if open <= 0 {
			e.log.Warn("出现卖出信号但台账无持仓，跳过本次执行")
			return false
		}
		if open < orderQty {
			orderQty = open
		}
	}

	// 下单走独立的有界上下文：会话停止不应中断一笔已在途的订单
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orderTimeout)
	defer cancel()

	var (
		fill *models.FillResult
		err  error
		side models.Side
	)
	if signal == models.SignalBuy {
		side = models.Buy
		e.log.Info("触发买入",
			zap.String("symbol", symbol),
			zap.Float64("price", sample.Price),
			zap.Float64("quantity", orderQty))
		fill, err = e.opts.Gateway.PlaceBuy(callCtx, symbol, orderQty)
	} else {
		side = models.Sell
		e.log.Info("触发卖出",
			zap.String("symbol", symbol),
			zap.Float64("price", sample.Price),
			zap.Float64("quantity", orderQty))
		fill, err = e.opts.Gateway.PlaceSell(callCtx, symbol, orderQty)
	}

	if err != nil {
		// 失败不改任何状态，下一个周期自然重试
		e.log.Error("下单失败", zap.String("side", string(side)), zap.Error(err))
		return false
	}
	if !fill.Filled() {
		e.log.Error("订单未成交", zap.String("side", string(side)), zap.String("reason", fill.Message))
		return false
	}

	if _, err := e.settleFill(side, fill, byThreshold, ""); err != nil {
		return false
	}
	return true
}

// settleFill 在持仓临界区内把一笔确认成交写入台账并同步持仓状态，
// 三者作为一个原子步骤完成。
func (e *Engine) settleFill(side models.Side, fill *models.FillResult, byThreshold bool, actionPrefix string) (models.TradeEvent, error) {
	now := time.Now()

	e.positionMu.Lock()
	var (
		ev  models.TradeEvent
		err error
	)
	if side == models.Buy {
		ev, err = e.opts.Ledger.RecordBuy(fill.Price, fill.Quantity, now)
		if err == nil {
			e.status = models.PositionLong
		}
	} else {
		ev, err = e.opts.Ledger.RecordSell(fill.Price, fill.Quantity, now)
		if err == nil && e.opts.Ledger.OpenQuantity() <= 0 {
			e.status = models.PositionFlat
		}
	}
	if err == nil {
		e.lastAction = fmt.Sprintf("%s%s %g @ %g", actionPrefix, side, ev.Quantity, ev.Price)
	}
	e.positionMu.Unlock()

	if err != nil {
		e.log.Error("台账记账失败，持仓状态未变更", zap.String("side", string(side)), zap.Error(err))
		return models.TradeEvent{}, err
	}

	e.opts.Chart.AddTrade(models.TradeMarker{
		Time:               now,
		Side:               side,
		Price:              ev.Price,
		Quantity:           ev.Quantity,
		ThresholdTriggered: byThreshold,
	})

	e.log.Info("交易已记账",
		zap.String("side", string(side)),
		zap.Float64("price", ev.Price),
		zap.Float64("quantity", ev.Quantity),
		zap.Float64("realized_delta", ev.RealizedProfitDelta),
		zap.Float64("net_invested", ev.NetInvested),
		zap.Float64("cumulative_profit", ev.CumulativeProfit))

	e.publishEvent(ev)
	return ev, nil
}

// ManualBuy 跳过策略直接市价买入。与自动循环共享 executing 令牌，
// 保证任意时刻只有一笔订单在途。
func (e *Engine) ManualBuy(ctx context.Context, quantity float64) (models.TradeEvent, error) {
	return e.manualOrder(ctx, models.Buy, quantity)
}

// ManualSell 跳过策略直接市价卖出；数量超过持仓时按持仓收缩，空仓报错。
func (e *Engine) ManualSell(ctx context.Context, quantity float64) (models.TradeEvent, error) {
	return e.manualOrder(ctx, models.Sell, quantity)
}

func (e *Engine) manualOrder(ctx context.Context, side models.Side, quantity float64) (models.TradeEvent, error) {
	if !positiveFinite(quantity) {
		return models.TradeEvent{}, models.NewConfigurationError("下单数量必须为有限正数: %v", quantity)
	}

	e.decisionMu.Lock()
	if !e.running {
		e.decisionMu.Unlock()
		return models.TradeEvent{}, models.NewConfigurationError("引擎未运行，无法手动下单")
	}
	if e.executing {
		e.decisionMu.Unlock()
		return models.TradeEvent{}, models.NewGatewayFailureError("另一笔订单正在执行中，请稍后重试")
	}
	e.executing = true
	symbol := e.symbol
	e.decisionMu.Unlock()

	defer func() {
		e.decisionMu.Lock()
		e.executing = false
		e.decisionMu.Unlock()
	}()

	if side == models.Sell {
		e.positionMu.Lock()
		open := e.opts.Ledger.OpenQuantity()
		e.positionMu.Unlock()
		if open <= 0 {
			return models.TradeEvent{}, models.NewConfigurationError("当前无持仓，无法手动卖出")
		}
		if open < quantity {
			quantity = open
		}
	}

	// 手动单也要有新鲜的参考价，顺带确认行情链路是通的
	fctx, cancel := context.WithTimeout(ctx, e.opts.FreshPriceTimeout)
	sample, err := e.opts.Feed.FreshPrice(fctx)
	cancel()
	if err != nil {
		return models.TradeEvent{}, err
	}

	// 与自动路径一样，订单一旦提交就不再受调用方取消的影响
	callCtx, cancelOrder := context.WithTimeout(context.WithoutCancel(ctx), orderTimeout)
	defer cancelOrder()

	var fill *models.FillResult
	if side == models.Buy {
		fill, err = e.opts.Gateway.PlaceBuy(callCtx, symbol, quantity)
	} else {
		fill, err = e.opts.Gateway.PlaceSell(callCtx, symbol, quantity)
	}
	if err != nil {
		e.log.Error("手动下单失败", zap.String("side", string(side)), zap.Error(err))
		return models.TradeEvent{}, err
	}
	if !fill.Filled() {
		return models.TradeEvent{}, models.NewGatewayFailureError("手动%s未成交: %s", sideLabel(side), fill.Message)
	}

	e.log.Info("手动下单成交",
		zap.String("side", string(side)),
		zap.Float64("reference_price", sample.Price),
		zap.Float64("fill_price", fill.Price),
		zap.Float64("quantity", fill.Quantity))

	return e.settleFill(side, fill, false, "MANUAL ")
}

func sideLabel(side models.Side) string {
	if side == models.Buy {
		return "买入"
	}
	return "卖出"
}

// decisionLoop 是决策主循环：可重置的定时器按当前节奏触发周期评估，
// 复查令牌触发一轮带新鲜取价的立即复查。
func (e *Engine) decisionLoop(ctx context.Context) {
	timer := time.NewTimer(e.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.recheckCh:
			e.runImmediateRechecks(ctx)
		case <-timer.C:
			e.runCycle(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.interval())
	}
}

// interval 根据 pendingCheck 在常规节奏和加速节奏之间选择。
func (e *Engine) interval() time.Duration {
	e.decisionMu.Lock()
	defer e.decisionMu.Unlock()
	if e.pendingCheck {
		return e.opts.FastInterval
	}
	return e.opts.PollInterval
}

// runCycle 执行一个常规决策周期：读缓存样本、进图表、评估。
// 取不到样本只跳过本轮；连续失败到上限则重启行情源。
func (e *Engine) runCycle(ctx context.Context) {
	sample, err := e.opts.Feed.LatestPrice()
	if err != nil {
		e.feedFailures++
		e.log.Debug("本轮无可用价格样本，跳过",
			zap.Int("consecutive_failures", e.feedFailures), zap.Error(err))
		if e.feedFailures >= e.opts.FeedFailureLimit {
			e.restartFeed(ctx)
		}
		return
	}
	e.feedFailures = 0

	e.opts.Chart.AddPrice(sample.Price, sample.At)
	e.EvaluateCycle(ctx, sample)
}

// runImmediateRechecks 在阈值更新后做一小串紧凑的复查，每次都强制取
// 新价而不是用缓存样本；一旦成交立即收手。
func (e *Engine) runImmediateRechecks(ctx context.Context) {
	e.log.Debug("开始阈值更新后的立即复查", zap.Int("rounds", e.opts.ImmediateRechecks))

	for i := 0; i < e.opts.ImmediateRechecks; i++ {
		fctx, cancel := context.WithTimeout(ctx, e.opts.FreshPriceTimeout)
		sample, err := e.opts.Feed.FreshPrice(fctx)
		cancel()
		if err != nil {
			e.log.Debug("复查取价失败", zap.Error(err))
		} else if _, executed := e.EvaluateCycle(ctx, sample); executed {
			return
		}

		if i == e.opts.ImmediateRechecks-1 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.opts.RecheckSpacing):
		}
	}
}

// restartFeed 重启行情源并在成功后清零失败计数。
func (e *Engine) restartFeed(ctx context.Context) {
	e.log.Warn("连续取价失败，尝试重启行情源", zap.Int("failures", e.feedFailures))

	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.opts.Feed.Restart(rctx); err != nil {
		e.log.Error("行情源重启失败", zap.Error(err))
		return
	}
	e.feedFailures = 0
	e.log.Info("行情源重启成功")
}

// statusLoop 每 30 秒打印一次运行状态。
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := e.Snapshot()
			price := math.NaN()
			if sample, err := e.opts.Feed.LatestPrice(); err == nil {
				price = sample.Price
			}
			e.log.Info("运行状态",
				zap.String("symbol", snap.Symbol),
				zap.Float64("price", price),
				zap.Float64("buy_threshold", snap.Thresholds.Buy),
				zap.Float64("sell_threshold", snap.Thresholds.Sell),
				zap.Bool("in_position", snap.InPosition),
				zap.String("last_action", snap.LastAction),
				zap.Int("open_lots", snap.OpenLots),
				zap.Float64("net_invested", snap.NetInvested),
				zap.Float64("cumulative_profit", snap.CumulativeProfit))
		}
	}
}

// journalLoop 把成交事件异步写入日志存储，退出前清空通道里剩余的事件。
func (e *Engine) journalLoop(ctx context.Context) {
	for {
		select {
		case ev := <-e.eventCh:
			e.appendJournal(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.eventCh:
					e.appendJournal(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) appendJournal(ev models.TradeEvent) {
	if err := e.opts.Journal.Append(ev); err != nil {
		e.log.Error("交易日志写入失败", zap.Error(err))
	}
}

// flushEvents 同步清空事件通道。在途订单允许跨越停止信号完成，其成交
// 事件可能晚于 journalLoop 退出才投递，停止路径在所有循环结束后补收。
func (e *Engine) flushEvents() {
	if e.opts.Journal == nil {
		return
	}
	for {
		select {
		case ev := <-e.eventCh:
			e.appendJournal(ev)
		default:
			return
		}
	}
}

// publishEvent 非阻塞投递成交事件；日志存储只是事后审计用的事件槽，
// 绝不反压交易路径。
func (e *Engine) publishEvent(ev models.TradeEvent) {
	if e.opts.Journal == nil {
		return
	}
	select {
	case e.eventCh <- ev:
	default:
		e.log.Warn("交易日志通道已满，丢弃一条记录")
	}
}

// warmStrategy 用最近的K线收盘价为带历史的策略预热。
// 行情源或策略不支持预热、或此刻拉不到K线时静默跳过。
func (e *Engine) warmStrategy(s strategy.Strategy) {
	if e.opts.WarmupCloses <= 0 {
		return
	}
	seeder, ok := s.(strategy.Seeder)
	if !ok {
		return
	}
	fetcher, ok := e.opts.Feed.(feed.CloseFetcher)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.FreshPriceTimeout)
	defer cancel()
	closes, err := fetcher.RecentCloses(ctx, e.opts.WarmupCloses)
	if err != nil {
		e.log.Debug("策略预热取K线失败，跳过预热", zap.Error(err))
		return
	}
	seeder.Seed(closes)
	e.log.Info("策略历史预热完成", zap.String("strategy", s.Name()), zap.Int("closes", len(closes)))
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
