// Package web exposes the HTTP control surface for the trading engine:
// coin/strategy selection, session start/stop, threshold updates, manual
// orders and chart data for the polling UI.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"binance-threshold-bot-go/internal/chartdata"
	"binance-threshold-bot-go/internal/engine"
	"binance-threshold-bot-go/internal/feed"
	"binance-threshold-bot-go/internal/models"
	"binance-threshold-bot-go/internal/strategy"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Engine is the subset of the decision engine the control surface drives.
type Engine interface {
	Start(symbol string, buyThreshold, sellThreshold, quantity float64) error
	Stop()
	Running() bool
	SetThresholds(buy, sell float64) error
	CurrentThresholds() models.ThresholdState
	SetStrategy(s strategy.Strategy) error
	StrategyName() string
	Snapshot() engine.SessionSnapshot
	ManualBuy(ctx context.Context, quantity float64) (models.TradeEvent, error)
	ManualSell(ctx context.Context, quantity float64) (models.TradeEvent, error)
}

var _ Engine = (*engine.Engine)(nil)

// Server wires the engine, feed and chart data behind a JSON API.
type Server struct {
	cfg    *models.Config
	engine Engine
	feed   feed.PriceFeed
	chart  *chartdata.Manager
	log    *zap.Logger

	// sessionMu serializes the session-mutating endpoints (select_coin,
	// start_trading, stop_trading): the running-state check and the feed
	// or session mutation behind it form one atomic step.
	sessionMu sync.Mutex

	mu           sync.Mutex
	selectedCoin string

	httpSrv *http.Server
}

// NewServer builds the control surface. The initially selected coin is the
// configured default symbol.
func NewServer(cfg *models.Config, eng Engine, f feed.PriceFeed, chart *chartdata.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		engine:       eng,
		feed:         f,
		chart:        chart,
		log:          logger,
		selectedCoin: cfg.Symbol,
	}
}

// Router assembles the route table with CORS, panic recovery and request
// logging.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/available_coins", s.handleAvailableCoins).Methods("GET")
	r.HandleFunc("/available_algorithms", s.handleAvailableAlgorithms).Methods("GET")
	r.HandleFunc("/select_coin", s.handleSelectCoin).Methods("POST")
	r.HandleFunc("/select_algorithm", s.handleSelectAlgorithm).Methods("POST")
	r.HandleFunc("/current_price", s.handleCurrentPrice).Methods("GET")
	r.HandleFunc("/start_trading", s.handleStartTrading).Methods("POST")
	r.HandleFunc("/stop_trading", s.handleStopTrading).Methods("POST")
	r.HandleFunc("/update_thresholds", s.handleUpdateThresholds).Methods("POST")
	r.HandleFunc("/position", s.handlePosition).Methods("GET")
	r.HandleFunc("/manual_buy", s.handleManualBuy).Methods("POST")
	r.HandleFunc("/manual_sell", s.handleManualSell).Methods("POST")
	r.HandleFunc("/data", s.handleData).Methods("GET")
	r.HandleFunc("/update", s.handleUpdate).Methods("GET")

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, cors(r)))
}

// Start launches the HTTP listener in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		s.log.Info("web control surface listening", zap.String("addr", addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web server stopped", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr emits the error envelope the UI expects. The HTTP status stays
// 200 for application-level failures, matching the polling frontend.
func writeErr(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "error", "message": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) currentCoin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedCoin
}

// freshPrice fetches a forced-fresh sample with a bounded wait.
func (s *Server) freshPrice(ctx context.Context) (models.PriceSample, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.FreshPriceTimeout())
	defer cancel()
	return s.feed.FreshPrice(fctx)
}

// newStrategy instantiates a registry strategy with the configured windows.
func (s *Server) newStrategy(name string) (strategy.Strategy, error) {
	return strategy.New(name, s.cfg.ShortWindow, s.cfg.LongWindow)
}

// ---------- endpoints ----------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAvailableCoins(w http.ResponseWriter, r *http.Request) {
	coins := make([]string, 0, len(s.cfg.Coins))
	for coin := range s.cfg.Coins {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "coins": coins})
}

func (s *Server) handleAvailableAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "algorithms": strategy.Names()})
}

func (s *Server) handleSelectCoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Coin string `json:"coin"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, "invalid request body")
		return
	}
	if _, ok := s.cfg.Coins[req.Coin]; !ok {
		writeErr(w, fmt.Sprintf("Invalid coin selected: %s", req.Coin))
		return
	}

	// Hold the session lock across the check and the feed switch so a
	// concurrent start_trading cannot slip a session in between.
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.engine.Running() {
		writeErr(w, "cannot switch coins while a trading session is running")
		return
	}

	s.mu.Lock()
	s.selectedCoin = req.Coin
	s.mu.Unlock()

	// Point the feed at the new symbol so price endpoints follow along.
	s.feed.StopFeeding()
	if err := s.feed.StartFeeding(req.Coin); err != nil {
		writeErr(w, err.Error())
		return
	}

	s.log.Info("coin selected", zap.String("coin", req.Coin))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Selected coin: %s", req.Coin),
	})
}

func (s *Server) handleSelectAlgorithm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm string `json:"algorithm"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, "invalid request body")
		return
	}

	strat, err := s.newStrategy(req.Algorithm)
	if err != nil {
		writeErr(w, fmt.Sprintf("Invalid algorithm selected: %s", req.Algorithm))
		return
	}
	if err := s.engine.SetStrategy(strat); err != nil {
		writeErr(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Selected algorithm: %s", req.Algorithm),
	})
}

func (s *Server) handleCurrentPrice(w http.ResponseWriter, r *http.Request) {
	sample, err := s.freshPrice(r.Context())
	if err != nil {
		writeErr(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"price":     sample.Price,
		"timestamp": sample.At.UnixMilli(),
	})
}

func (s *Server) handleStartTrading(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Coin      string `json:"coin"`
		Algorithm string `json:"algorithm"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, "invalid request body")
		return
	}

	coinCfg, ok := s.cfg.Coins[req.Coin]
	if !ok {
		writeErr(w, fmt.Sprintf("Invalid coin selected: %s", req.Coin))
		return
	}

	strat, err := s.newStrategy(req.Algorithm)
	if err != nil {
		writeErr(w, fmt.Sprintf("Invalid algorithm selected: %s", req.Algorithm))
		return
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if err := s.engine.SetStrategy(strat); err != nil {
		writeErr(w, err.Error())
		return
	}

	// Keep user-set thresholds when present, otherwise fall back to the
	// coin's configured defaults.
	buy, sell := coinCfg.BuyThreshold, coinCfg.SellThreshold
	if th := s.engine.CurrentThresholds(); th.Buy > 0 && th.Sell > 0 {
		buy, sell = th.Buy, th.Sell
	}

	// Restart any previous session before starting the new one.
	s.engine.Stop()

	if err := s.engine.Start(req.Coin, buy, sell, coinCfg.Quantity); err != nil {
		writeErr(w, err.Error())
		return
	}

	s.mu.Lock()
	s.selectedCoin = req.Coin
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Trading started with %s using %s algorithm", req.Coin, req.Algorithm),
		"thresholds": map[string]float64{
			"buy":  buy,
			"sell": sell,
		},
	})
}

func (s *Server) handleStopTrading(w http.ResponseWriter, r *http.Request) {
	s.sessionMu.Lock()
	s.engine.Stop()
	s.sessionMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Trading stopped",
	})
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type      string  `json:"type"`
		BuyValue  float64 `json:"buy_value"`
		SellValue float64 `json:"sell_value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = "price"
	}

	if name := s.engine.StrategyName(); name != strategy.NameThreshold {
		writeErr(w, fmt.Sprintf("Algorithm %s does not support threshold settings", name))
		return
	}

	buy, sell := req.BuyValue, req.SellValue
	if req.Type == "percentage" {
		// Percentages are relative to a forced-fresh price: buy is usually
		// negative (below market), sell positive (above market).
		sample, err := s.freshPrice(r.Context())
		if err != nil {
			writeErr(w, "Current price not available for percentage calculation. Try again when price data is available.")
			return
		}
		buy = sample.Price * (1 + req.BuyValue/100)
		sell = sample.Price * (1 + req.SellValue/100)
		s.log.Info("percentage thresholds resolved",
			zap.Float64("price", sample.Price),
			zap.Float64("buy", buy),
			zap.Float64("sell", sell))
	}

	if buy >= sell {
		s.log.Warn("buy threshold is not below sell threshold",
			zap.Float64("buy", buy), zap.Float64("sell", sell))
	}

	if err := s.engine.SetThresholds(buy, sell); err != nil {
		writeErr(w, err.Error())
		return
	}

	// Read back and verify the update actually landed.
	current := s.engine.CurrentThresholds()
	if math.Abs(current.Buy-buy) > 0.01 || math.Abs(current.Sell-sell) > 0.01 {
		err := models.NewInvariantViolationError(
			"threshold readback mismatch: set %.8f/%.8f got %.8f/%.8f",
			buy, sell, current.Buy, current.Sell)
		s.log.Error("threshold update failed verification", zap.Error(err))
		writeErr(w, "Failed to update thresholds correctly. Please try again.")
		return
	}

	price := 0.0
	if sample, err := s.freshPrice(r.Context()); err == nil {
		price = sample.Price
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"message":        "Thresholds updated successfully",
		"buy_threshold":  current.Buy,
		"sell_threshold": current.Sell,
		"current_price":  price,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "success",
		"in_position":       snap.InPosition,
		"last_action":       snap.LastAction,
		"open_quantity":     snap.OpenQuantity,
		"open_lots":         snap.OpenLots,
		"net_invested":      snap.NetInvested,
		"cumulative_profit": snap.CumulativeProfit,
	})
}

func (s *Server) handleManualBuy(w http.ResponseWriter, r *http.Request) {
	s.handleManualOrder(w, r, models.Buy)
}

func (s *Server) handleManualSell(w http.ResponseWriter, r *http.Request) {
	s.handleManualOrder(w, r, models.Sell)
}

func (s *Server) handleManualOrder(w http.ResponseWriter, r *http.Request, side models.Side) {
	var req struct {
		Quantity float64 `json:"quantity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, "invalid request body")
		return
	}

	var (
		ev  models.TradeEvent
		err error
	)
	if side == models.Buy {
		ev, err = s.engine.ManualBuy(r.Context(), req.Quantity)
	} else {
		ev, err = s.engine.ManualSell(r.Context(), req.Quantity)
	}
	if err != nil {
		writeErr(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"side":     ev.Side,
		"price":    ev.Price,
		"quantity": ev.Quantity,
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		models.ChartData
		AlgorithmName string `json:"algorithm_name"`
	}{
		ChartData:     s.chart.Snapshot(),
		AlgorithmName: s.engine.StrategyName(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	var (
		price       float64
		lastUpdated string
	)
	if sample, err := s.feed.LatestPrice(); err == nil {
		price = sample.Price
		lastUpdated = sample.At.Format("15:04:05")
	} else {
		lastUpdated = time.Now().Format("15:04:05")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"price":            price,
		"symbol":           s.currentCoin(),
		"last_updated":     lastUpdated,
		"chart_data":       s.chart.Snapshot(),
		"algorithm_name":   s.engine.StrategyName(),
		"response_time_ms": time.Since(started).Milliseconds(),
	})
}
