// Package server exposes the operator's read-only admin API.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	hubsync "commitchain/core/sync"
	"commitchain/storage"
)

// Config captures the dependencies of the admin server.
type Config struct {
	Store  *storage.Store
	Reader *hubsync.Reader
	Logger *slog.Logger
	// MaxStaleness marks the operator unhealthy when the contract mirror is
	// older than this. Zero disables the check.
	MaxStaleness time.Duration
	Now          func() time.Time
}

// Server serves health, metrics and the wallet sync read model.
type Server struct {
	store        *storage.Store
	reader       *hubsync.Reader
	logger       *slog.Logger
	maxStaleness time.Duration
	now          func() time.Time

	router http.Handler
}

// New constructs the router.
func New(cfg Config) *Server {
	srv := &Server{
		store:        cfg.Store,
		reader:       cfg.Reader,
		logger:       cfg.Logger,
		maxStaleness: cfg.MaxStaleness,
		now:          cfg.Now,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "operatord.admin")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(api chi.Router) {
		api.Get("/sync/{token}/{wallet}", s.handleWalletSync)
	})
	return r
}

type healthResponse struct {
	Status string `json:"status"`
	Block  uint64 `json:"block,omitempty"`
	Eon    uint64 `json:"eon,omitempty"`
	Halted bool   `json:"halted,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := s.store.DB().WithContext(r.Context())
	sqlDB, err := db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "database unreachable"})
		return
	}
	state, err := storage.LoadContractState(db)
	if errors.Is(err, storage.ErrNotSynced) {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "syncing"})
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "contract state unreadable"})
		return
	}
	resp := healthResponse{Status: "ok", Block: state.Block, Eon: state.EonNumber, Halted: state.HasMissedCheckpointSubmission}
	switch {
	case state.HasMissedCheckpointSubmission:
		resp.Status = "halted"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
	case s.maxStaleness > 0 && s.now().Sub(state.SyncedAt) > s.maxStaleness:
		resp.Status = "stale"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
	default:
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleWalletSync(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	wallet := chi.URLParam(r, "wallet")
	if _, err := storage.ParseHexAddress(token); err != nil {
		http.Error(w, "invalid token address", http.StatusBadRequest)
		return
	}
	if _, err := storage.ParseHexAddress(wallet); err != nil {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	view, err := s.reader.Wallet(r.Context(), token, wallet)
	switch {
	case errors.Is(err, hubsync.ErrUnknownWallet):
		http.Error(w, "wallet not found", http.StatusNotFound)
		return
	case errors.Is(err, storage.ErrNotSynced):
		http.Error(w, "operator syncing", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.ErrorContext(r.Context(), "wallet sync failed", "token", token, "wallet", wallet, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}
