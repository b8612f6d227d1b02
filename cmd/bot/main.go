package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"binance-threshold-bot-go/internal/chartdata"
	"binance-threshold-bot-go/internal/config"
	"binance-threshold-bot-go/internal/engine"
	"binance-threshold-bot-go/internal/exchange"
	"binance-threshold-bot-go/internal/feed"
	"binance-threshold-bot-go/internal/journal"
	"binance-threshold-bot-go/internal/ledger"
	"binance-threshold-bot-go/internal/logger"
	"binance-threshold-bot-go/internal/models"
	"binance-threshold-bot-go/internal/reporter"
	"binance-threshold-bot-go/internal/strategy"
	"binance-threshold-bot-go/internal/web"

	"github.com/adshao/go-binance/v2"
	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "paper", "running mode: live or paper")
	autoStart := flag.Bool("autostart", false, "start trading immediately with the configured defaults")
	paperBalance := flag.Float64("paper-balance", 10000, "initial quote balance for paper mode")
	flag.Parse()

	// --- 初始化日志（提前） ---
	// 加载 .env 和配置文件之前就需要能记录日志，先用默认配置初始化一次
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *autoStart {
		cfg.AutoStart = true
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	switch *mode {
	case "live", "paper":
		run(cfg, *mode, *paperBalance)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'paper'。", *mode)
	}
}

// run 组装行情源、下单网关、引擎与 Web 控制面，并一直运行到收到退出信号。
func run(cfg *models.Config, mode string, paperBalance float64) {
	logger.S().Infof("--- 启动%s交易模式 ---", modeLabel(mode))

	if cfg.IsTestnet {
		binance.UseTestnet = true
		logger.S().Info("正在使用币安测试网...")
	}

	// 实盘必须有密钥；模拟盘只访问公开行情接口，无需密钥
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if mode == "live" && (apiKey == "" || secretKey == "") {
		logger.S().Fatal("错误：实盘模式要求设置 BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量。")
	}
	client := binance.NewClient(apiKey, secretKey)

	priceFeed := feed.NewBinanceFeed(client, feed.Options{
		PollInterval:   cfg.PollInterval(),
		RequestTimeout: cfg.FreshPriceTimeout(),
		UseWebSocket:   cfg.UseWebSocket,
		WSBaseURL:      cfg.WSBaseURL,
	}, logger.L())

	var gateway exchange.Gateway
	if mode == "live" {
		gateway = exchange.NewBinanceGateway(client, logger.L())
	} else {
		gateway = exchange.NewPaperGateway(priceFeed, paperBalance, logger.L())
		logger.S().Infof("模拟盘初始资金: %.2f USDT", paperBalance)
	}

	// 成交流水落盘是可选项：目录为空或打开失败都只影响历史查询
	var tradeJournal journal.Journal
	if cfg.JournalDir != "" {
		j, err := journal.NewBadgerJournal(cfg.JournalDir)
		if err != nil {
			logger.S().Warnf("无法打开成交流水目录 %s: %v，本次运行不落盘。", cfg.JournalDir, err)
		} else {
			tradeJournal = j
			defer j.Close()
		}
	}

	book := ledger.NewLedger()
	chart := chartdata.NewManager(cfg.MaxPriceHistory)

	eng := engine.New(engine.Options{
		Feed:              priceFeed,
		Gateway:           gateway,
		Ledger:            book,
		Chart:             chart,
		Journal:           tradeJournal,
		Logger:            logger.L(),
		PollInterval:      cfg.PollInterval(),
		FastInterval:      cfg.FastInterval(),
		ImmediateRechecks: cfg.ImmediateRechecks,
		RecheckSpacing:    cfg.RecheckSpacing(),
		FeedFailureLimit:  cfg.FeedFailureLimit,
		FreshPriceTimeout: cfg.FreshPriceTimeout(),
		WarmupCloses:      cfg.LongWindow,
	})

	strat, err := strategy.New(cfg.Strategy, cfg.ShortWindow, cfg.LongWindow)
	if err != nil {
		logger.S().Fatalf("无法创建策略 %s: %v", cfg.Strategy, err)
	}
	if err := eng.SetStrategy(strat); err != nil {
		logger.S().Fatalf("无法设置策略: %v", err)
	}

	webServer := web.NewServer(cfg, eng, priceFeed, chart, logger.L())
	webServer.Start()

	if cfg.AutoStart {
		coinCfg, ok := cfg.Coins[cfg.Symbol]
		if !ok {
			logger.S().Fatalf("自动启动失败：配置中缺少 %s 的默认参数", cfg.Symbol)
		}
		if err := eng.Start(cfg.Symbol, coinCfg.BuyThreshold, coinCfg.SellThreshold, coinCfg.Quantity); err != nil {
			logger.S().Fatalf("自动启动交易失败: %v", err)
		}
	} else {
		logger.S().Infof("等待通过 Web 控制面启动交易: http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("收到退出信号，正在停止……")
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnf("Web 服务关闭出错: %v", err)
	}
	cancel()

	printSessionReport(eng, book, mode, gateway)
	logger.S().Info("机器人已成功停止。")
}

// printSessionReport 在退出前输出本次会话的绩效汇总。
func printSessionReport(eng *engine.Engine, book *ledger.Ledger, mode string, gateway exchange.Gateway) {
	snap := eng.Snapshot()
	symbol := snap.Symbol
	if symbol == "" {
		symbol = "-"
	}

	metrics := reporter.BuildMetrics(symbol, book.Events(), book.Lots())
	fmt.Println(reporter.Render(metrics))

	// 模拟盘额外打印期末余额
	if mode == "paper" {
		if pg, ok := gateway.(*exchange.PaperGateway); ok {
			quote, base := pg.Balances()
			logger.S().Infof("模拟盘期末余额: %.2f USDT / %.8f 基础资产", quote, base)
		}
	}
}

func modeLabel(mode string) string {
	if mode == "live" {
		return "实盘"
	}
	return "模拟"
}
