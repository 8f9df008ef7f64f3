// Package server exposes trigger submission and read-only views over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/broker"
	"github.com/eddiefleurent/alert_trader/internal/handler"
	"github.com/eddiefleurent/alert_trader/internal/journal"
	"github.com/eddiefleurent/alert_trader/internal/metrics"
	"github.com/eddiefleurent/alert_trader/internal/models"
	"github.com/eddiefleurent/alert_trader/internal/storage"
)

const maxBodyBytes = 16 << 10

// TriggerHandler runs one trigger synchronously.
type TriggerHandler interface {
	Handle(ctx context.Context, ev models.TriggerEvent) handler.Outcome
}

// OrderJournal lists journaled orders, newest first.
type OrderJournal interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// ActiveOrders lists orders whose fill monitors are still running.
type ActiveOrders interface {
	Active() []models.Order
}

// Config holds the listen port and optional shared token.
type Config struct {
	Port      int
	AuthToken string
}

// Deps are the components the routes read from. Journal and Metrics may be nil.
type Deps struct {
	Handler TriggerHandler
	Storage storage.Interface
	Broker  broker.Broker
	Orders  ActiveOrders
	Journal OrderJournal
	Metrics *metrics.Metrics
}

// Server is the HTTP surface of the trader.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	deps      Deps
	logger    logrus.FieldLogger
	clock     clock.Clock
	port      int
	authToken string
}

// PositionView is one tracked ticker id joined with the broker's view of it.
type PositionView struct {
	TickerID int64  `json:"ticker_id"`
	Label    string `json:"label,omitempty"`
	Quantity int64  `json:"quantity"`
	AtBroker bool   `json:"at_broker"`
}

// PositionsResponse is the body of GET /api/positions.
type PositionsResponse struct {
	Positions   []PositionView `json:"positions"`
	BrokerError string         `json:"broker_error,omitempty"`
}

type triggerRequest struct {
	Text string `json:"text"`
}

// NewServer builds the router. Deps.Handler and Deps.Storage are required.
func NewServer(cfg Config, deps Deps, logger logrus.FieldLogger) *Server {
	if deps.Handler == nil || deps.Storage == nil {
		panic("server.NewServer: handler and storage must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		logger:    logger,
		clock:     clock.New(),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/triggers", s.handlePostTrigger)
		r.Get("/positions", s.handleGetPositions)
		r.Get("/orders", s.handleGetOrders)
		r.Get("/orders/active", s.handleGetActiveOrders)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting HTTP server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handlePostTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	ev := models.NewTriggerEvent(strings.ToLower(text), s.clock.Now())
	out := s.deps.Handler.Handle(r.Context(), ev)

	status := http.StatusOK
	if out.Status == handler.StatusSubmitted {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	tracked := s.deps.Storage.List()
	resp := PositionsResponse{Positions: make([]PositionView, 0, len(tracked))}

	held := map[int64]broker.Position{}
	if s.deps.Broker != nil {
		positions, err := s.deps.Broker.GetOpenPositions(r.Context())
		if err != nil {
			s.logger.WithError(err).Warn("Failed to fetch broker positions")
			resp.BrokerError = err.Error()
		}
		for _, p := range positions {
			held[p.ContractID] = p
		}
	}

	for _, id := range tracked {
		view := PositionView{TickerID: id}
		if p, ok := held[id]; ok {
			view.AtBroker = true
			view.Quantity = p.Quantity
			view.Label = models.ContractLabel(p.Symbol, p.Expiration, p.Strike, p.Right)
		}
		resp.Positions = append(resp.Positions, view)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if s.deps.Journal == nil {
		s.handleGetActiveOrders(w, r)
		return
	}
	entries, err := s.deps.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read order journal")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetActiveOrders(w http.ResponseWriter, _ *http.Request) {
	active := []models.Order{}
	if s.deps.Orders != nil {
		active = append(active, s.deps.Orders.Active()...)
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":            "healthy",
		"timestamp":         s.clock.Now().Unix(),
		"tracked_positions": len(s.deps.Storage.List()),
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
