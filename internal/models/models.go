package models

import (
	"fmt"
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	Symbol               string                `json:"symbol"`                  // 默认交易对，如 "BTCUSDT"
	Strategy             string                `json:"strategy"`                // 策略名称: "threshold" 或 "moving_average"
	AutoStart            bool                  `json:"auto_start"`              // 启动进程时是否自动开始交易
	IsTestnet            bool                  `json:"is_testnet"`              // 是否使用测试网
	UseWebSocket         bool                  `json:"use_websocket"`           // 行情是否走 WebSocket 流（否则仅 REST 轮询）
	WSBaseURL            string                `json:"ws_base_url"`             // WebSocket 行情基础地址，留空按网络环境取默认值
	PollIntervalSec      float64               `json:"poll_interval_sec"`       // 常规轮询间隔（秒）
	FastIntervalSec      float64               `json:"fast_interval_sec"`       // pendingCheck 激活时的快速轮询间隔（秒）
	ImmediateRechecks    int                   `json:"immediate_rechecks"`      // 阈值更新后立即追加的复查次数
	RecheckSpacingMs     int                   `json:"recheck_spacing_ms"`      // 追加复查之间的间隔（毫秒）
	FeedFailureLimit     int                   `json:"feed_failure_limit"`      // 连续取价失败多少次后重启行情源
	FreshPriceTimeoutSec float64               `json:"fresh_price_timeout_sec"` // 强制取最新价的超时（秒）
	ShortWindow          int                   `json:"short_window"`            // 均线策略短窗口
	LongWindow           int                   `json:"long_window"`             // 均线策略长窗口
	MaxPriceHistory      int                   `json:"max_price_history"`       // 图表保留的最大价格点数
	JournalDir           string                `json:"journal_dir"`             // 成交流水目录，留空则不落盘
	Coins                map[string]CoinConfig `json:"coins"`                   // 各交易对的默认阈值与数量
	Web                  WebConfig             `json:"web"`                     // Web 控制面配置
	LogConfig            LogConfig             `json:"log"`                     // 日志配置
}

// CoinConfig 定义了单个交易对的默认交易参数
type CoinConfig struct {
	BuyThreshold  float64 `json:"buy_threshold"`  // 默认买入阈值
	SellThreshold float64 `json:"sell_threshold"` // 默认卖出阈值
	Quantity      float64 `json:"quantity"`       // 每单数量（基础货币）
}

// WebConfig 定义了 HTTP 控制面的监听参数
type WebConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// PollInterval 返回常规轮询间隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec * float64(time.Second))
}

// FastInterval 返回 pendingCheck 激活时的轮询间隔
func (c *Config) FastInterval() time.Duration {
	return time.Duration(c.FastIntervalSec * float64(time.Second))
}

// RecheckSpacing 返回追加复查之间的间隔
func (c *Config) RecheckSpacing() time.Duration {
	return time.Duration(c.RecheckSpacingMs) * time.Millisecond
}

// FreshPriceTimeout 返回强制取价的超时时间
func (c *Config) FreshPriceTimeout() time.Duration {
	return time.Duration(c.FreshPriceTimeoutSec * float64(time.Second))
}

// 应用级错误码
const (
	ErrCodeConfiguration      = "CONFIGURATION"
	ErrCodeFeedUnavailable    = "FEED_UNAVAILABLE"
	ErrCodeGatewayFailure     = "GATEWAY_FAILURE"
	ErrCodeInvariantViolation = "INVARIANT_VIOLATION"
)

// Error 定义了带错误码的应用错误
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 Error 实现了 error 接口
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewConfigurationError 构造配置错误（参数缺失或非法）
func NewConfigurationError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrCodeConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// NewFeedUnavailableError 构造行情不可用错误
func NewFeedUnavailableError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrCodeFeedUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// NewGatewayFailureError 构造下单网关错误
func NewGatewayFailureError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrCodeGatewayFailure, Msg: fmt.Sprintf(format, args...)}
}

// NewInvariantViolationError 构造不变量被破坏的错误
func NewInvariantViolationError(format string, args ...interface{}) *Error {
	return &Error{Code: ErrCodeInvariantViolation, Msg: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err carries the given application error code.
func HasCode(err error, code string) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}

// FillStatus 定义了下单结果的状态
type FillStatus string

const (
	FillFilled FillStatus = "FILLED"
	FillError  FillStatus = "ERROR"
)

// FillResult 定义了网关返回的成交结果；只有 FILLED 才会变更仓位与账本
type FillResult struct {
	Status        FillStatus `json:"status"`
	Price         float64    `json:"price"`
	Quantity      float64    `json:"quantity"`
	OrderID       int64      `json:"order_id,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Filled 判断结果是否为有效成交
func (r *FillResult) Filled() bool {
	return r != nil && r.Status == FillFilled
}

// PriceSample is a single observation from the price feed. At identifies the
// sample so that history-aware strategies can skip re-processing it.
type PriceSample struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}
