package config

import (
	"encoding/json"
	"math"
	"os"

	"binance-threshold-bot-go/internal/models"
)

// 未在配置文件中给出时采用的默认值
const (
	DefaultPollIntervalSec      = 1.5
	DefaultFastIntervalSec      = 0.5
	DefaultImmediateRechecks    = 3
	DefaultRecheckSpacingMs     = 150
	DefaultFeedFailureLimit     = 5
	DefaultFreshPriceTimeoutSec = 5.0
	DefaultShortWindow          = 5
	DefaultLongWindow           = 20
	DefaultMaxPriceHistory      = 1000
	DefaultWebPort              = 5000
)

// WebSocket 行情流的默认基础地址
const (
	DefaultWSBaseURL        = "wss://stream.binance.com:9443"
	DefaultTestnetWSBaseURL = "wss://stream.testnet.binance.vision"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	err = decoder.Decode(config)
	if err != nil {
		return nil, err
	}

	if err := Validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate 填充默认值并校验配置；非法配置返回 CONFIGURATION 错误
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return models.NewConfigurationError("symbol 不能为空")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "threshold"
	}
	if cfg.PollIntervalSec == 0 {
		cfg.PollIntervalSec = DefaultPollIntervalSec
	}
	if cfg.PollIntervalSec < 0 || math.IsNaN(cfg.PollIntervalSec) || math.IsInf(cfg.PollIntervalSec, 0) {
		return models.NewConfigurationError("poll_interval_sec 非法: %v", cfg.PollIntervalSec)
	}
	if cfg.FastIntervalSec == 0 {
		cfg.FastIntervalSec = cfg.PollIntervalSec / 3
	}
	if cfg.FastIntervalSec < 0 || cfg.FastIntervalSec > cfg.PollIntervalSec {
		return models.NewConfigurationError("fast_interval_sec 必须在 (0, poll_interval_sec] 之间: %v", cfg.FastIntervalSec)
	}
	if cfg.ImmediateRechecks == 0 {
		cfg.ImmediateRechecks = DefaultImmediateRechecks
	}
	if cfg.ImmediateRechecks < 0 {
		return models.NewConfigurationError("immediate_rechecks 不能为负数: %d", cfg.ImmediateRechecks)
	}
	if cfg.RecheckSpacingMs == 0 {
		cfg.RecheckSpacingMs = DefaultRecheckSpacingMs
	}
	if cfg.FeedFailureLimit == 0 {
		cfg.FeedFailureLimit = DefaultFeedFailureLimit
	}
	if cfg.FreshPriceTimeoutSec == 0 {
		cfg.FreshPriceTimeoutSec = DefaultFreshPriceTimeoutSec
	}
	if cfg.ShortWindow == 0 {
		cfg.ShortWindow = DefaultShortWindow
	}
	if cfg.LongWindow == 0 {
		cfg.LongWindow = DefaultLongWindow
	}
	if cfg.ShortWindow < 1 || cfg.LongWindow < 1 {
		return models.NewConfigurationError("均线窗口必须为正数: short=%d long=%d", cfg.ShortWindow, cfg.LongWindow)
	}
	if cfg.ShortWindow >= cfg.LongWindow {
		return models.NewConfigurationError("短均线窗口必须小于长均线窗口: short=%d long=%d", cfg.ShortWindow, cfg.LongWindow)
	}
	if cfg.MaxPriceHistory == 0 {
		cfg.MaxPriceHistory = DefaultMaxPriceHistory
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = DefaultWebPort
	}
	if cfg.Web.Host == "" {
		cfg.Web.Host = "0.0.0.0"
	}
	if cfg.WSBaseURL == "" {
		if cfg.IsTestnet {
			cfg.WSBaseURL = DefaultTestnetWSBaseURL
		} else {
			cfg.WSBaseURL = DefaultWSBaseURL
		}
	}

	// 各交易对的默认参数必须是有限正数
	for symbol, coin := range cfg.Coins {
		if !positiveFinite(coin.BuyThreshold) || !positiveFinite(coin.SellThreshold) {
			return models.NewConfigurationError("%s 的阈值必须为有限正数", symbol)
		}
		if !positiveFinite(coin.Quantity) {
			return models.NewConfigurationError("%s 的数量必须为有限正数", symbol)
		}
	}

	return nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
