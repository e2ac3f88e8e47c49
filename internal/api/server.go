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
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantfolio/backtest-engine/internal/backtester"
	"github.com/quantfolio/backtest-engine/internal/batch"
	"github.com/quantfolio/backtest-engine/internal/store"
	"github.com/quantfolio/backtest-engine/internal/strategy"
	"github.com/quantfolio/backtest-engine/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	provider backtester.DataProvider
	registry *strategy.Registry
	results  *store.ResultStore
	hub      *Hub

	mu   sync.RWMutex
	runs map[string]*runState
}

// runState tracks one in-process backtest run.
type runState struct {
	id      string
	config  *types.BacktestConfig
	engine  *backtester.Engine
	status  string // "running", "completed", "failed", "cancelled"
	result  *types.BacktestResult
	err     error
	started time.Time
}

// RunStatus is the polling response for a run.
type RunStatus struct {
	ID      string                `json:"id"`
	Status  string                `json:"status"`
	Started time.Time             `json:"started"`
	Result  *types.BacktestResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// NewServer creates the API server. results may be nil to disable
// persistence.
func NewServer(
	logger *zap.Logger,
	config *types.ServerConfig,
	provider backtester.DataProvider,
	registry *strategy.Registry,
	results *store.ResultStore,
) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		provider: provider,
		registry: registry,
		results:  results,
		hub:      NewHub(logger),
		runs:     make(map[string]*runState),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")

	s.router.HandleFunc("/api/v1/data/history/{symbol}", s.handleGetHistory).Methods("GET")

	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/batch", s.handleRunBatch).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/walkforward", s.handleWalkForward).Methods("POST")
	s.router.HandleFunc("/api/v1/backtests", s.handleListResults).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleDeleteResult).Methods("DELETE")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}/symbols/{symbol}", s.handleSymbolDetail).Methods("GET")

	s.router.Handle("/metrics", MetricsHandler()).Methods("GET")

	wsPath := s.config.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	s.router.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(s.upgrader, w, r)
	})
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the hub and HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server and disconnects WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.registry.List(),
	})
}

// handleGetHistory returns OHLC bars for a symbol. Date bounds are
// clamped: end never exceeds now, start never precedes end minus five
// years, and a missing start defaults to one month before end.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	interval := types.Interval(r.URL.Query().Get("interval"))
	if interval == "" {
		interval = types.IntervalDaily
	}

	now := time.Now().UTC()
	end := now
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, "history", http.StatusBadRequest, "invalid end date")
			return
		}
		end = parsed
	}
	if end.After(now) {
		end = now
	}

	start := end.AddDate(0, -1, 0)
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, "history", http.StatusBadRequest, "invalid start date")
			return
		}
		start = parsed
	}
	if floor := end.AddDate(-5, 0, 0); start.Before(floor) {
		start = floor
	}
	if start.After(end) {
		s.writeError(w, "history", http.StatusBadRequest, "start after end")
		return
	}

	bars, err := s.provider.GetMultiOHLC(r.Context(), []string{symbol}, interval, start, end)
	if err != nil {
		s.writeError(w, "history", http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"bars":   bars[symbol],
	})
}

// handleRunBacktest starts an asynchronous run and returns its ID.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var config types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		s.writeError(w, "run", http.StatusBadRequest, "invalid request body")
		return
	}

	strat, ok := s.registry.Create(config.Strategy)
	if !ok {
		s.writeError(w, "run", http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", config.Strategy))
		return
	}

	if config.StartDate.After(config.EndDate) || !config.InitialCapital.IsPositive() {
		s.writeError(w, "run", http.StatusBadRequest, "invalid date range or capital")
		return
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}

	state := &runState{
		id:      config.ID,
		config:  &config,
		engine:  backtester.NewEngine(s.logger, s.provider),
		status:  "running",
		started: time.Now(),
	}

	s.mu.Lock()
	s.runs[state.id] = state
	s.mu.Unlock()

	go s.executeRun(state, strat)

	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": state.id, "status": "running"})
}

// executeRun drives one backtest to completion, relaying progress to the
// hub and persisting the result.
func (s *Server) executeRun(state *runState, strat strategy.Strategy) {
	defaultMetrics.RunsStarted.Inc()
	defaultMetrics.ActiveRuns.Inc()
	defer defaultMetrics.ActiveRuns.Dec()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case p := <-state.engine.Progress():
				s.hub.BroadcastProgress(p)
			case <-done:
				return
			}
		}
	}()

	result, err := state.engine.Run(context.Background(), state.config, strat)
	close(done)
	defaultMetrics.RunDuration.Observe(time.Since(state.started).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		state.err = err
		if errors.Is(err, backtester.ErrCancelled) {
			state.status = "cancelled"
		} else {
			state.status = "failed"
		}
		defaultMetrics.RunsFinished.WithLabelValues(state.status).Inc()
		s.logger.Warn("backtest run finished with error",
			zap.String("id", state.id), zap.String("status", state.status), zap.Error(err))
		return
	}

	state.result = result
	state.status = "completed"
	defaultMetrics.RunsFinished.WithLabelValues("completed").Inc()
	defaultMetrics.TradesTotal.Add(float64(result.TotalTrades))
	defaultMetrics.SessionsSkipped.Add(float64(result.SkippedSessions))

	if s.results != nil {
		if err := s.results.Save(context.Background(), state.config.Strategy, result); err != nil {
			s.logger.Warn("result save failed", zap.String("id", result.ID), zap.Error(err))
		}
	}
}

// handleRunBatch executes several configurations on a worker pool and
// returns all outcomes once the batch completes.
func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Configs []*types.BacktestConfig `json:"configs"`
		Workers int                     `json:"workers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "batch", http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Configs) == 0 {
		s.writeError(w, "batch", http.StatusBadRequest, "no configurations")
		return
	}

	runner := batch.NewRunner(s.logger, s.provider, s.registry, s.results, req.Workers)
	outcomes := runner.Run(r.Context(), req.Configs)

	type outcomeJSON struct {
		ID     string                `json:"id,omitempty"`
		Result *types.BacktestResult `json:"result,omitempty"`
		Error  string                `json:"error,omitempty"`
	}
	response := make([]outcomeJSON, len(outcomes))
	for i, o := range outcomes {
		if o.Err != nil {
			response[i] = outcomeJSON{Error: o.Err.Error()}
			continue
		}
		response[i] = outcomeJSON{ID: o.Result.ID, Result: o.Result}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": response})
}

// handleWalkForward runs windowed re-runs of one configuration and
// returns the per-window results synchronously.
func (s *Server) handleWalkForward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config      *types.BacktestConfig   `json:"config"`
		WalkForward types.WalkForwardConfig `json:"walkForward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Config == nil {
		s.writeError(w, "walkforward", http.StatusBadRequest, "invalid request body")
		return
	}

	wf := backtester.NewWalkForward(s.logger, s.provider, s.registry)
	result, err := wf.Run(r.Context(), req.Config, req.WalkForward)
	if err != nil {
		s.writeError(w, "walkforward", http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if ok {
		status := RunStatus{ID: state.id, Status: state.status, Started: state.started, Result: state.result}
		if state.err != nil {
			status.Error = state.err.Error()
		}
		s.writeJSON(w, http.StatusOK, status)
		return
	}

	if s.results != nil {
		result, err := s.results.Get(r.Context(), id)
		if err == nil {
			s.writeJSON(w, http.StatusOK, RunStatus{
				ID: id, Status: "completed", Started: result.StartedAt, Result: result,
			})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.writeError(w, "get", http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.writeError(w, "get", http.StatusNotFound, "backtest not found")
}

func (s *Server) handleSymbolDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, symbol := vars["id"], vars["symbol"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, "symbolDetail", http.StatusNotFound, "backtest not found")
		return
	}
	if state.status == "running" {
		s.writeError(w, "symbolDetail", http.StatusConflict, "backtest still running")
		return
	}

	detail := state.engine.SymbolDetail(symbol)
	if detail == nil {
		s.writeError(w, "symbolDetail", http.StatusNotFound, "no data for symbol")
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	state, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, "cancel", http.StatusNotFound, "backtest not found")
		return
	}
	if state.status != "running" {
		s.writeError(w, "cancel", http.StatusConflict, "backtest not running")
		return
	}

	state.engine.Cancel()
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": []store.ResultSummary{}})
		return
	}
	summaries, err := s.results.List(r.Context(), 50)
	if err != nil {
		s.writeError(w, "list", http.StatusInternalServerError, err.Error())
		return
	}
	if summaries == nil {
		summaries = []store.ResultSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": summaries})
}

func (s *Server) handleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.results == nil {
		s.writeError(w, "delete", http.StatusNotFound, "persistence disabled")
		return
	}
	if err := s.results.Delete(r.Context(), id); err != nil {
		s.writeError(w, "delete", http.StatusInternalServerError, err.Error())
		return
	}
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, route string, status int, message string) {
	defaultMetrics.RequestErrors.WithLabelValues(route).Inc()
	s.writeJSON(w, status, map[string]string{"error": message})
}
