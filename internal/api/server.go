// Package api serves the read-only HTTP view of tracked orders.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"

	"supply-notifier/internal/config"
	"supply-notifier/internal/storage"
)

// DumpPath is the legacy path of the full order dump.
const DumpPath = "/give-me-everything-you-know/"

// OrderLister is the read side the API needs.
type OrderLister interface {
	ListOrders(ctx context.Context, limit int) ([]storage.Order, error)
}

// Order is the JSON shape of one order.
type Order struct {
	OrderID    int64       `json:"order_id"`
	TableID    int64       `json:"table_id"`
	PriceUSD   json.Number `json:"price_usd"`
	PriceRUB   json.Number `json:"price_rub"`
	SupplyDate string      `json:"supply_date"`
}

type ordersResponse struct {
	Results []Order `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter wires routes and middleware.
func NewRouter(orders OrderLister, allowedOrigins []string, logger zerolog.Logger) http.Handler {
	h := &handlers{orders: orders, logger: logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.health)
	r.Get(DumpPath, h.listOrders)
	r.Get("/give-me-everything-you-know", h.listOrders)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/orders", h.listOrders)
	})
	return r
}

type handlers struct {
	orders OrderLister
	logger zerolog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	orders, err := h.orders.ListOrders(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("list orders failed")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errorResponse{Error: "internal server error"})
		return
	}

	resp := ordersResponse{Results: make([]Order, 0, len(orders))}
	for _, o := range orders {
		resp.Results = append(resp.Results, toOrder(o))
	}
	render.JSON(w, r, resp)
}

func toOrder(o storage.Order) Order {
	return Order{
		OrderID:    o.OrderID,
		TableID:    o.TableID,
		PriceUSD:   json.Number(o.PriceUSD.StringFixed(2)),
		PriceRUB:   json.Number(o.PriceRUB.StringFixed(2)),
		SupplyDate: o.SupplyDate.Format(storage.DateLayout),
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request served")
		})
	}
}

// Server runs the API until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds a Server from cfg.
func NewServer(cfg config.APIConfig, orders OrderLister, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(orders, cfg.AllowedOrigins, logger),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("api listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info().Msg("api stopped")
	return nil
}
