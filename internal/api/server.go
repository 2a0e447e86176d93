// Package api exposes the backtest engine over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/gridlab/gridtrader/internal/backtester"
	"github.com/gridlab/gridtrader/internal/data"
	"github.com/gridlab/gridtrader/internal/strategy"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	store      *data.Store
	registry   *strategy.Registry
	hub        *Hub
	metrics    *Metrics
	backtests  map[string]*backtestState
}

// backtestState tracks one submitted run.
type backtestState struct {
	ID      string
	Config  *types.BacktestConfig
	Engine  *backtester.Engine
	Status  string
	Started time.Time
	Result  *types.BacktestResult
	Err     string
}

// runRequest is the POST body for starting a backtest. SlippageModel picks
// the fill degradation model: "fixed" (default) or "volume_weighted".
type runRequest struct {
	types.BacktestConfig
	SlippageModel string `json:"slippageModel,omitempty"`
}

// validateRequest is the POST body for a determinism check. A positive
// tolerance relaxes the comparison to within that distance per metric.
type validateRequest struct {
	runRequest
	Runs      int             `json:"runs,omitempty"`
	Tolerance decimal.Decimal `json:"tolerance,omitempty"`
}

// NewServer creates the API server.
func NewServer(logger *zap.Logger, config *types.ServerConfig, store *data.Store, registry *strategy.Registry) *Server {
	metrics := NewMetrics()
	s := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		store:     store,
		registry:  registry,
		metrics:   metrics,
		hub:       NewHub(logger, metrics),
		backtests: make(map[string]*backtestState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/data/symbols", s.handleGetSymbols).Methods("GET")
	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods("GET")
	s.router.HandleFunc("/api/v1/data/synthetic", s.handleSeedSynthetic).Methods("POST")

	s.router.HandleFunc("/api/v1/strategies", s.handleGetStrategies).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/validate", s.handleValidateBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/equity", s.handleGetEquity).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start runs the hub and the HTTP listener. Blocks until the listener
// stops.
func (s *Server) Start() error {
	go s.hub.Run()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the listener and all WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleGetSymbols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": s.store.Symbols(),
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	timeframe := types.Timeframe(r.URL.Query().Get("timeframe"))
	if timeframe == "" {
		timeframe = types.Timeframe1h
	}

	start := time.Now().AddDate(0, -1, 0)
	end := time.Now()
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
			return
		}
		end = t
	}

	bars, err := s.store.LoadBars(r.Context(), symbol, timeframe, start, end)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
		"count":     len(bars),
	})
}

// handleSeedSynthetic generates and stores a reproducible random-walk
// series, mainly for demos and local testing.
func (s *Server) handleSeedSynthetic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol     string          `json:"symbol"`
		Timeframe  types.Timeframe `json:"timeframe"`
		Start      time.Time       `json:"start"`
		End        time.Time       `json:"end"`
		StartPrice decimal.Decimal `json:"startPrice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Symbol == "" || !req.End.After(req.Start) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("symbol and a valid start/end range are required"))
		return
	}
	if req.Timeframe == "" {
		req.Timeframe = types.Timeframe1h
	}
	if !req.StartPrice.IsPositive() {
		req.StartPrice = decimal.NewFromInt(50000)
	}

	bars := data.GenerateSyntheticBars(req.Symbol, req.Timeframe, req.Start, req.End, req.StartPrice)
	if err := s.store.SaveBars(req.Symbol, req.Timeframe, bars); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"symbol": req.Symbol,
		"bars":   len(bars),
	})
}

func (s *Server) handleGetStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.registry.List(),
	})
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg := req.BacktestConfig
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	engine := backtester.NewEngine(s.logger, s.store, s.slippageModel(req.SlippageModel, cfg.Slippage))

	state := &backtestState{
		ID:      cfg.ID,
		Config:  &cfg,
		Engine:  engine,
		Status:  "running",
		Started: time.Now(),
	}

	s.mu.Lock()
	s.backtests[cfg.ID] = state
	s.mu.Unlock()
	s.metrics.backtestsStarted.Inc()

	go s.streamProgress(engine)
	go s.executeBacktest(state)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":      cfg.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	})
}

// handleValidateBacktest runs the same configuration several times and
// checks the results hash identically.
func (s *Server) handleValidateBacktest(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Runs < 2 {
		req.Runs = 3
	}
	if req.Runs > 10 {
		req.Runs = 10
	}

	cfg := req.BacktestConfig
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results := make([]*types.BacktestResult, 0, req.Runs)
	for i := 0; i < req.Runs; i++ {
		runCfg := cfg
		runCfg.ID = fmt.Sprintf("%s-validate-%d", cfg.ID, i)

		engine := backtester.NewEngine(s.logger, s.store, s.slippageModel(req.SlippageModel, cfg.Slippage))
		result, err := engine.Run(r.Context(), &runCfg, s.builderFor(cfg))
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		results = append(results, result)
	}

	validator := backtester.NewValidatorWithTolerance(req.Tolerance)
	report := validator.ValidateRuns(results)

	response := map[string]interface{}{
		"runs":          req.Runs,
		"hash":          report.Hashes[0],
		"deterministic": report.AllIdentical,
	}
	if !report.AllIdentical {
		response["divergence"] = report.Divergence()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("backtest not found"))
		return
	}

	s.mu.RLock()
	response := map[string]interface{}{
		"id":      state.ID,
		"status":  state.Status,
		"started": state.Started.Unix(),
	}
	if state.Result != nil {
		response["result"] = state.Result
	}
	if state.Err != "" {
		response["error"] = state.Err
	}
	if state.Status == "running" {
		response["progress"] = state.Engine.GetProgress()
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("backtest not found"))
		return
	}

	s.mu.RLock()
	result := state.Result
	s.mu.RUnlock()

	if result == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("backtest not complete"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     state.ID,
		"trades": result.Trades,
		"count":  len(result.Trades),
	})
}

func (s *Server) handleGetEquity(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("backtest not found"))
		return
	}

	s.mu.RLock()
	result := state.Result
	s.mu.RUnlock()

	if result == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("backtest not complete"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     state.ID,
		"equity": result.EquityCurve,
		"count":  len(result.EquityCurve),
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("backtest not found"))
		return
	}

	s.mu.Lock()
	if state.Status != "running" {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Errorf("backtest not running"))
		return
	}
	state.Status = "cancelled"
	s.mu.Unlock()

	state.Engine.Cancel()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     state.ID,
		"status": "cancelled",
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.register <- client

	go client.readPump()
	go client.writePump()
}

// executeBacktest runs one submitted backtest to completion in the
// background and records the outcome.
func (s *Server) executeBacktest(state *backtestState) {
	result, err := state.Engine.Run(context.Background(), state.Config, s.builderFor(*state.Config))
	s.metrics.backtestDuration.Observe(time.Since(state.Started).Seconds())

	s.mu.Lock()
	if err != nil {
		if state.Status != "cancelled" {
			state.Status = "failed"
		}
		state.Err = err.Error()
		s.metrics.backtestsFailed.Inc()
		s.logger.Error("backtest failed", zap.String("id", state.ID), zap.Error(err))
	} else {
		state.Status = "completed"
		state.Result = result
		s.metrics.backtestsCompleted.Inc()
		s.metrics.barsProcessed.Add(float64(result.BarsProcessed))
	}
	status := state.Status
	s.mu.Unlock()

	s.hub.Broadcast("backtest:complete", map[string]interface{}{
		"id":     state.ID,
		"status": status,
	})
}

// streamProgress forwards engine progress updates to WebSocket clients.
func (s *Server) streamProgress(engine *backtester.Engine) {
	for progress := range engine.ProgressChan() {
		s.hub.Broadcast("backtest:progress", progress)
	}
}

// builderFor binds a config to the strategy registry.
func (s *Server) builderFor(cfg types.BacktestConfig) backtester.StrategyBuilder {
	return func(modes strategy.ModeSource) (strategy.Strategy, error) {
		return s.registry.Create(cfg.Strategy, cfg.Grid, modes)
	}
}

func (s *Server) slippageModel(model string, rate decimal.Decimal) backtester.SlippageModel {
	if model == "volume_weighted" {
		return backtester.NewVolumeWeightedSlippage(rate, decimal.NewFromFloat(0.1))
	}
	return backtester.NewFixedSlippage(rate)
}

func (s *Server) lookup(id string) (*backtestState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.backtests[id]
	return state, ok
}

func statusFor(err error) int {
	var invalidErr *backtester.InvalidConfigError
	var dataErr *backtester.DataUnavailableError
	switch {
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest
	case errors.As(err, &dataErr):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
