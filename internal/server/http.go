package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"termlend/internal/auditor"
	"termlend/internal/engine"
	"termlend/internal/market"
	"termlend/internal/observability"
	"termlend/internal/oracle"
	"termlend/internal/query"
)

// HTTPServer serves the read API. Market and account state comes from
// the in-memory core, guarded by StateMu (the event loop holds the
// write side); history and audit endpoints read the event log via
// QueryService.
type HTTPServer struct {
	router     chi.Router
	httpServer *http.Server
	addr       string
	log        zerolog.Logger

	auditor  *auditor.Auditor
	engine   *engine.Engine
	feed     oracle.Feed
	queries  *query.QueryService
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	stateMu  *sync.RWMutex
	adminKey string
	started  time.Time
}

// HTTPDeps holds the dependencies of the read API.
type HTTPDeps struct {
	Auditor       *auditor.Auditor
	Engine        *engine.Engine
	Feed          oracle.Feed
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StateMu       *sync.RWMutex
	AdminToken    string
	StartTime     time.Time
}

func NewHTTPServer(addr string, deps *HTTPDeps, log zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		addr:     addr,
		log:      log,
		auditor:  deps.Auditor,
		engine:   deps.Engine,
		feed:     deps.Feed,
		queries:  deps.QueryService,
		health:   deps.HealthChecker,
		metrics:  deps.Metrics,
		stateMu:  deps.StateMu,
		adminKey: deps.AdminToken,
		started:  deps.StartTime,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.instrument("status", s.handleStatus))
		r.Get("/markets", s.instrument("markets", s.handleListMarkets))
		r.Get("/markets/{symbol}", s.instrument("market", s.handleGetMarket))
		r.Get("/markets/{symbol}/pools", s.instrument("market_pools", s.handleMarketPools))
		r.Get("/markets/{symbol}/pools/{maturity}", s.instrument("market_pool", s.handleMarketPool))
		r.Get("/markets/{symbol}/events", s.instrument("market_events", s.handleMarketEvents))
		r.Get("/accounts/{account}/snapshot", s.instrument("account_snapshot", s.handleAccount))
		r.Get("/accounts/{account}/liquidity", s.instrument("account_liquidity", s.handleAccountLiquidity))
		r.Get("/accounts/{account}/history", s.instrument("account_history", s.handleAccountHistory))
		r.Get("/events/{sequence}", s.instrument("event", s.handleEvent))

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/integrity", s.instrument("admin_integrity", s.handleIntegrity))
			r.Get("/eventlog", s.instrument("admin_eventlog", s.handleEventLogInfo))
			r.Post("/markets/{symbol}/adjust-factor", s.instrument("admin_adjust_factor", s.handleSetAdjustFactor))
			r.Post("/markets/{symbol}/borrow-cap", s.instrument("admin_borrow_cap", s.handleSetBorrowCap))
			r.Post("/markets/{symbol}/penalty-rate", s.instrument("admin_penalty_rate", s.handleSetPenaltyRate))
			r.Post("/price-delay", s.instrument("admin_price_delay", s.handleSetPriceDelay))
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Response shapes. Amounts are decimal strings in 18-decimal fixed point.
// ---------------------------------------------------------------------------

type marketView struct {
	Symbol              string  `json:"symbol"`
	FloatingAssets      string  `json:"floating_assets"`
	FloatingDebt        string  `json:"floating_debt"`
	TotalShares         string  `json:"total_shares"`
	TotalFixedBorrowed  string  `json:"total_fixed_borrowed"`
	EarningsAccumulator string  `json:"earnings_accumulator"`
	PenaltyRate         string  `json:"penalty_rate"`
	MaxFuturePools      int     `json:"max_future_pools"`
	AdjustFactor        string  `json:"adjust_factor"`
	BorrowCap           *string `json:"borrow_cap,omitempty"`
	Price               *string `json:"price,omitempty"`
	PriceUpdatedAt      *int64  `json:"price_updated_at,omitempty"`
}

type poolView struct {
	Maturity           int64  `json:"maturity"`
	Borrowed           string `json:"borrowed"`
	Supplied           string `json:"supplied"`
	BackstopSupplied   string `json:"backstop_supplied"`
	UnassignedEarnings string `json:"unassigned_earnings"`
	LastAccrual        int64  `json:"last_accrual"`
	Active             bool   `json:"active"`
}

type accountMarketView struct {
	Symbol             string  `json:"symbol"`
	Entered            bool    `json:"entered"`
	FloatingShares     string  `json:"floating_shares"`
	DepositAssets      string  `json:"deposit_assets"`
	DebtAssets         string  `json:"debt_assets"`
	BorrowedMaturities []int64 `json:"borrowed_maturities,omitempty"`
}

type accountView struct {
	Account string              `json:"account"`
	AsOf    int64               `json:"as_of"`
	Markets []accountMarketView `json:"markets"`
}

type liquidityView struct {
	Account   string `json:"account"`
	AsOf      int64  `json:"as_of"`
	Surplus   string `json:"surplus"`
	Shortfall string `json:"shortfall"`
	Healthy   bool   `json:"healthy"`
}

type statusView struct {
	Sequence      int64            `json:"sequence"`
	StateHash     string           `json:"state_hash"`
	Markets       int              `json:"markets"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Partitions    map[string]int64 `json:"partitions"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.stateMu.RLock()
	hash := s.engine.StateHash()
	view := statusView{
		Sequence:      s.engine.Sequence(),
		StateHash:     hex.EncodeToString(hash[:]),
		Markets:       len(s.auditor.Markets()),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Partitions:    s.engine.SequencePartitions(),
	}
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	s.stateMu.RLock()
	markets := s.auditor.Markets()
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, s.marketViewLocked(m))
	}
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, views)
}

func (s *HTTPServer) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	s.stateMu.RLock()
	m, ok := s.auditor.MarketBySymbol(symbol)
	if !ok {
		s.stateMu.RUnlock()
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}
	view := s.marketViewLocked(m)
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleMarketPools(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	now := time.Now().Unix()

	s.stateMu.RLock()
	m, ok := s.auditor.MarketBySymbol(symbol)
	if !ok {
		s.stateMu.RUnlock()
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}

	maturities := m.PoolMaturities()
	views := make([]poolView, 0, len(maturities))
	for _, mat := range maturities {
		p, ok := m.Pool(mat)
		if !ok {
			continue
		}
		views = append(views, poolView{
			Maturity:           p.Maturity,
			Borrowed:           p.Borrowed.Dec(),
			Supplied:           p.Supplied.Dec(),
			BackstopSupplied:   p.BackstopSupplied.Dec(),
			UnassignedEarnings: p.UnassignedEarnings.Dec(),
			LastAccrual:        p.LastAccrual,
			Active:             p.Maturity > now,
		})
	}
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, views)
}

func (s *HTTPServer) handleMarketPool(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	mat, err := strconv.ParseInt(chi.URLParam(r, "maturity"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid maturity")
		return
	}
	now := time.Now().Unix()

	s.stateMu.RLock()
	m, ok := s.auditor.MarketBySymbol(symbol)
	if !ok {
		s.stateMu.RUnlock()
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}
	p, ok := m.Pool(mat)
	if !ok {
		s.stateMu.RUnlock()
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pool at maturity %d", mat))
		return
	}
	view := poolView{
		Maturity:           p.Maturity,
		Borrowed:           p.Borrowed.Dec(),
		Supplied:           p.Supplied.Dec(),
		BackstopSupplied:   p.BackstopSupplied.Dec(),
		UnassignedEarnings: p.UnassignedEarnings.Dec(),
		LastAccrual:        p.LastAccrual,
		Active:             p.Maturity > now,
	}
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	now := time.Now().Unix()

	s.stateMu.RLock()
	view := accountView{Account: account.String(), AsOf: now}
	for _, m := range s.auditor.Markets() {
		deposit, debt := m.AccountSnapshot(account, now)
		mv := accountMarketView{
			Symbol:             m.Symbol(),
			Entered:            s.auditor.Entered(account, m),
			FloatingShares:     m.SharesOf(account).Dec(),
			DepositAssets:      deposit.Dec(),
			DebtAssets:         debt.Dec(),
			BorrowedMaturities: m.BorrowedMaturities(account),
		}
		view.Markets = append(view.Markets, mv)
	}
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleAccountLiquidity(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	now := time.Now().Unix()

	s.stateMu.RLock()
	surplus, shortfall, err := s.auditor.AccountLiquidity(account, nil, nil, nil, now)
	s.stateMu.RUnlock()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, liquidityView{
		Account:   account.String(),
		AsOf:      now,
		Surplus:   surplus.Dec(),
		Shortfall: shortfall.Dec(),
		Healthy:   shortfall.IsZero(),
	})
}

func (s *HTTPServer) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	limit := parseLimit(r, 50, 500)
	before := parseBefore(r)
	var marketID *string
	if mkt := r.URL.Query().Get("market"); mkt != "" {
		marketID = &mkt
	}

	events, err := s.queries.GetAccountHistory(r.Context(), account, marketID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		s.log.Error().Err(err).Msg("account history query")
		return
	}

	writeJSON(w, http.StatusOK, events)
}

func (s *HTTPServer) handleMarketEvents(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit := parseLimit(r, 100, 1000)
	before := parseBefore(r)

	records, err := s.queries.GetMarketEvents(r.Context(), symbol, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		s.log.Error().Err(err).Msg("market events query")
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid sequence")
		return
	}

	rec, err := s.queries.GetEvent(r.Context(), seq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		s.log.Error().Err(err).Msg("event query")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no event at sequence %d", seq))
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "integrity check failed")
		s.log.Error().Err(err).Msg("integrity check")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latest, err := s.queries.LatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	s.stateMu.RLock()
	inMemory := s.engine.Sequence()
	s.stateMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]int64{
		"persisted_sequence": latest,
		"applied_sequence":   inMemory,
	})
}

// adminValue is the body of every admin setter: one decimal value,
// WAD-scaled for rates and amounts.
type adminValue struct {
	Value string `json:"value"`
}

func readAdminAmount(r *http.Request) (*uint256.Int, error) {
	var body adminValue
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	v, err := uint256.FromDecimal(body.Value)
	if err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	return v, nil
}

func (s *HTTPServer) handleSetAdjustFactor(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	v, err := readAdminAmount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.auditor.MarketBySymbol(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}
	if err := s.auditor.SetAdjustFactor(m, v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.log.Info().Str("market", symbol).Str("adjust_factor", v.Dec()).Msg("adjust factor updated")
	writeJSON(w, http.StatusOK, map[string]string{"market": symbol, "adjust_factor": v.Dec()})
}

func (s *HTTPServer) handleSetBorrowCap(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	v, err := readAdminAmount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.auditor.MarketBySymbol(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}
	if err := s.auditor.SetBorrowCap(m, v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.log.Info().Str("market", symbol).Str("borrow_cap", v.Dec()).Msg("borrow cap updated")
	writeJSON(w, http.StatusOK, map[string]string{"market": symbol, "borrow_cap": v.Dec()})
}

func (s *HTTPServer) handleSetPenaltyRate(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	v, err := readAdminAmount(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	m, ok := s.auditor.MarketBySymbol(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "market not listed: "+symbol)
		return
	}
	m.SetPenaltyRate(v)
	s.log.Info().Str("market", symbol).Str("penalty_rate", v.Dec()).Msg("penalty rate updated")
	writeJSON(w, http.StatusOK, map[string]string{"market": symbol, "penalty_rate": v.Dec()})
}

func (s *HTTPServer) handleSetPriceDelay(w http.ResponseWriter, r *http.Request) {
	var body adminValue
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decode body: "+err.Error())
		return
	}
	seconds, err := strconv.ParseInt(body.Value, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse value: "+err.Error())
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err := s.auditor.SetMaxPriceDelay(seconds); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.log.Info().Int64("max_price_delay", seconds).Msg("price delay updated")
	writeJSON(w, http.StatusOK, map[string]int64{"max_price_delay": seconds})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// marketViewLocked reads market state; callers hold stateMu.
func (s *HTTPServer) marketViewLocked(m *market.Market) marketView {
	view := marketView{
		Symbol:              m.Symbol(),
		FloatingAssets:      m.FloatingAssets().Dec(),
		FloatingDebt:        m.FloatingDebt().Dec(),
		TotalShares:         m.TotalShares().Dec(),
		TotalFixedBorrowed:  m.TotalFixedBorrowed().Dec(),
		EarningsAccumulator: m.EarningsAccumulator().Dec(),
		PenaltyRate:         m.PenaltyRate().Dec(),
		MaxFuturePools:      m.MaxFuturePools(),
	}

	if params, err := s.auditor.Params(m); err == nil {
		view.AdjustFactor = params.AdjustFactor.Dec()
		if params.BorrowCap != nil {
			capStr := params.BorrowCap.Dec()
			view.BorrowCap = &capStr
		}
	}

	if q, ok := s.feed.Quote(m.Symbol()); ok {
		p := q.Price.Dec()
		view.Price = &p
		view.PriceUpdatedAt = &q.UpdatedAt
	}

	return view
}

func (s *HTTPServer) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.adminKey {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)
		status := strconv.Itoa(ww.Status())
		s.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if ww.Status() >= 500 {
			s.metrics.QueryErrors.WithLabelValues(endpoint, status).Inc()
		}
	}
}

func parseLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func parseBefore(r *http.Request) *int64 {
	v := r.URL.Query().Get("before")
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
