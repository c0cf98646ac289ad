package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradeledger/internal/domain"
	"github.com/vadiminshakov/tradeledger/internal/events"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// AccountHeader carries the caller identity resolved by the upstream gateway.
const AccountHeader = "X-Account-ID"

const (
	defaultTradesLimit = 100
	heartbeatInterval  = 30 * time.Second
	streamBuffer       = 64
)

type executor interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error)
}

type ledgerReader interface {
	Balances(ctx context.Context, accountID string) ([]domain.CashBalance, error)
	Holdings(ctx context.Context, accountID string) ([]domain.Holding, error)
}

type tradeReader interface {
	Get(ctx context.Context, id string) (domain.TradeRecord, error)
	Trades(ctx context.Context, accountID string, limit int) ([]domain.TradeRecord, error)
}

type commitFeed interface {
	Subscribe(name string, fn events.Subscriber) (unsubscribe func())
}

// Server exposes the trade API and a stream of committed trades.
type Server struct {
	Addr string

	exec   executor
	ledger ledgerReader
	trades tradeReader
	feed   commitFeed
	logger *zap.Logger
	router chi.Router
}

// NewServer creates a new web server instance.
func NewServer(addr string, exec executor, ledger ledgerReader, trades tradeReader, feed commitFeed, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Addr:   addr,
		exec:   exec,
		ledger: ledger,
		trades: trades,
		feed:   feed,
		logger: logger.With(zap.String("component", "web")),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/trades", s.handleExecute)
		r.Get("/trades/stream", s.handleStream)
		r.Get("/trades/{id}", s.handleGetTrade)
		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/trades", s.handleAccountTrades)
			r.Get("/balances", s.handleBalances)
			r.Get("/holdings", s.handleHoldings)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := s.httpServer(s.Addr, s)
	go s.shutdownOnDone(ctx, server)

	s.logger.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen")
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with certificates obtained via ACME.
// A plain HTTP server on :80 answers the HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	challenge := s.httpServer(":80", manager.HTTPHandler(nil))
	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12
	server := s.httpServer(s.Addr, s)
	server.TLSConfig = tlsConfig

	go s.shutdownOnDone(ctx, challenge)
	go s.shutdownOnDone(ctx, server)
	go func() {
		if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme challenge server failed", zap.Error(err))
		}
	}()

	s.logger.Info("https server listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "listen tls")
	}
	return nil
}

func (s *Server) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) shutdownOnDone(ctx context.Context, server *http.Server) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("server shutdown", zap.String("addr", server.Addr), zap.Error(err))
	}
}

type tradeRequestBody struct {
	Side           string          `json:"side"`
	Symbol         string          `json:"asset_symbol"`
	Quantity       decimal.Decimal `json:"quantity"`
	PricePerUnit   decimal.Decimal `json:"price_per_unit"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type errorBody struct {
	Error *domain.TradeError `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	account := r.Header.Get(AccountHeader)

	var body tradeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, domain.NewValidationError("malformed request body: "+err.Error()))
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		s.fail(w, domain.NewValidationError(err.Error()))
		return
	}

	res, _ := s.exec.ExecuteTrade(r.Context(), domain.TradeRequest{
		Caller:         domain.Caller{AccountID: account, Authenticated: account != ""},
		Side:           side,
		Symbol:         body.Symbol,
		Quantity:       body.Quantity,
		PricePerUnit:   body.PricePerUnit,
		Currency:       body.Currency,
		IdempotencyKey: body.IdempotencyKey,
	})
	s.respond(w, resultStatus(res), res)
}

// resultStatus maps a trade outcome onto an HTTP status code. A duplicate whose
// original is still running is accepted but not yet done.
func resultStatus(res domain.TradeResult) int {
	if res.Error == nil {
		if res.Status == domain.StatusPending {
			return http.StatusAccepted
		}
		return http.StatusOK
	}
	return errorStatus(res.Error.Code)
}

func errorStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeInsufficientFunds, domain.CodeInsufficientHoldings:
		return http.StatusUnprocessableEntity
	case domain.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	rec, err := s.trades.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrTradeNotFound) {
		s.respond(w, http.StatusNotFound, errorBody{Error: &domain.TradeError{Code: "NOT_FOUND", Message: "trade not found"}})
		return
	}
	if err != nil {
		s.storageFailure(w, "get trade", err)
		return
	}
	s.respond(w, http.StatusOK, rec)
}

func (s *Server) handleAccountTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(w, domain.NewValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	recs, err := s.trades.Trades(r.Context(), chi.URLParam(r, "account"), limit)
	if err != nil {
		s.storageFailure(w, "list trades", err)
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	s.respond(w, http.StatusOK, recs)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.ledger.Balances(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.storageFailure(w, "list balances", err)
		return
	}
	if balances == nil {
		balances = []domain.CashBalance{}
	}
	s.respond(w, http.StatusOK, balances)
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.ledger.Holdings(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		s.storageFailure(w, "list holdings", err)
		return
	}
	if holdings == nil {
		holdings = []domain.Holding{}
	}
	s.respond(w, http.StatusOK, holdings)
}

// handleStream pushes committed trades as server-sent events.
// ?account_id= narrows the stream to one account.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		http.Error(w, "commit stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	account := r.URL.Query().Get("account_id")
	updates := make(chan domain.TradeRecord, streamBuffer)
	unsubscribe := s.feed.Subscribe("sse-"+middleware.GetReqID(r.Context()), func(_ context.Context, rec domain.TradeRecord) error {
		if account != "" && rec.AccountID != account {
			return nil
		}
		select {
		case updates <- rec:
			return nil
		default:
			return errors.Errorf("stream client lagging, dropped trade %s", rec.ID)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case rec := <-updates:
			payload, err := json.Marshal(rec)
			if err != nil {
				s.logger.Warn("encode stream event", zap.String("trade_id", rec.ID), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: trade\ndata: %s\n\n", rec.ID, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, te *domain.TradeError) {
	s.respond(w, errorStatus(te.Code), domain.TradeResult{Status: domain.StatusFailed, Error: te})
}

func (s *Server) storageFailure(w http.ResponseWriter, op string, err error) {
	s.logger.Warn("read failed", zap.String("op", op), zap.Error(err))
	s.respond(w, http.StatusServiceUnavailable, errorBody{Error: domain.NewStorageError(op, err)})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}
