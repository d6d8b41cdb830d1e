package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crypsync/internal/domain"
	"crypsync/internal/infra"
	"crypsync/internal/service"

	"github.com/gorilla/mux"
)

// Server exposes health, metrics, read-only portfolio endpoints and the
// event websocket, and drives periodic alert evaluation.
type Server struct {
	prices *service.PriceService
	ledger *service.PortfolioService
	alerts *service.AlertService
	logger *slog.Logger
	router *mux.Router
}

// NewServer builds the router. events serves the websocket upgrade; it may be nil.
func NewServer(prices *service.PriceService, ledger *service.PortfolioService, alerts *service.AlertService,
	metrics *infra.Metrics, events http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		prices: prices,
		ledger: ledger,
		alerts: alerts,
		logger: logger.With(slog.String("component", "monitor")),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/prices", s.handlePrices).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/users/{user}/transactions", s.handleTransactions).Methods(http.MethodGet)
	if events != nil {
		r.Handle("/ws", events).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// RunEvaluator evaluates all active alerts every interval until ctx is done.
func (s *Server) RunEvaluator(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.evaluateOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluateOnce(ctx)
		}
	}
}

func (s *Server) evaluateOnce(ctx context.Context) {
	fired, err := s.alerts.EvaluateAll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Alert evaluation failed", slog.Any("error", err))
	}
	if len(fired) > 0 {
		s.logger.Info("Alerts fired", slog.Int("count", len(fired)))
	}
}

type healthResponse struct {
	Status      string              `json:"status"`
	Circuit     domain.CircuitState `json:"circuit"`
	CacheAgeSec float64             `json:"cache_age_sec"`
	CheckedAt   time.Time           `json:"checked_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	circuit := s.prices.Circuit()
	status := "ok"
	if circuit.Open {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      status,
		Circuit:     circuit,
		CacheAgeSec: s.prices.CacheAge().Seconds(),
		CheckedAt:   time.Now().UTC(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("ids"), ",")
	set, err := s.prices.GetPrices(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	v, err := s.ledger.ValueLive(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days")
	if err != nil {
		writeError(w, err)
		return
	}
	points, err := s.ledger.PerformanceHistory(r.Context(), mux.Vars(r)["user"], days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	txs, err := s.ledger.Transactions(r.Context(), mux.Vars(r)["user"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewError(domain.KindInvalidInput, "%s must be an integer", name)
	}
	return n, nil
}

type errorResponse struct {
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"error"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindPriceNotFound, domain.KindNoHolding, domain.KindAlertNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Kind: domain.KindOf(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
