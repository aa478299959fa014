package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/magnaflowlabs/merchant-tools/pkg/orders"
	"github.com/magnaflowlabs/merchant-tools/pkg/session"
	"github.com/magnaflowlabs/merchant-tools/pkg/util"
)

// StatusSource reports the live session state.
type StatusSource interface {
	Status() session.Status
}

// Server serves the read-only diagnostics API and fans book changes out over WebSocket
type Server struct {
	status StatusSource
	book   *orders.Book
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(status StatusSource, book *orders.Book, logger *zap.SugaredLogger) *Server {
	log := util.OrNop(logger)
	s := &Server{
		status: status,
		book:   book,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	book.OnChange(s.BroadcastBook)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/orders/{type}", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{type}/{key}", s.handleGetOrder).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx ends
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_server_starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.status.Status())
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	typ := mux.Vars(r)["type"]
	status := orders.Status(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}

	resp := OrdersResponse{Type: typ, Chain: s.book.Chain(), Version: s.book.Version()}
	switch typ {
	case orders.TypeCollection:
		list := s.book.Collection.Values()
		resp.Total = len(list)
		resp.Orders = filter(list, limit, func(o orders.CollectionOrder) bool { return status == "" || o.Status == status })
	case orders.TypePayout:
		list := s.book.Payout.Values()
		resp.Total = len(list)
		resp.Orders = filter(list, limit, func(o orders.PayoutOrder) bool { return status == "" || o.Status == status })
	default:
		respondError(w, http.StatusNotFound, "unknown order type", typ)
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var (
		order any
		ok    bool
	)
	switch vars["type"] {
	case orders.TypeCollection:
		order, ok = s.book.Collection.Get(vars["key"])
	case orders.TypePayout:
		order, ok = s.book.Payout.Get(vars["key"])
	default:
		respondError(w, http.StatusNotFound, "unknown order type", vars["type"])
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", vars["key"])
		return
	}
	respondJSON(w, order)
}

func filter[T any](list []T, limit int, keep func(T) bool) []T {
	out := make([]T, 0, len(list))
	for _, o := range list {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

// ==============================
// Broadcast Methods (called from the book)
// ==============================

// BroadcastBook tells WebSocket clients that one side of the book changed
func (s *Server) BroadcastBook(kind string, version uint64) {
	s.hub.BroadcastToChannel("book:"+kind, BookUpdate{
		Type:      "book",
		Kind:      kind,
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
