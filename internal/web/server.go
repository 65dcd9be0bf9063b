// Package web exposes the session hooks and ledger accessors over HTTP.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/orbital/internal/domain"
	"github.com/vadiminshakov/orbital/internal/executor"
	"github.com/vadiminshakov/orbital/internal/lifecycle"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const heartbeatInterval = 30 * time.Second

// Session is the coordinator surface driven by HTTP requests.
type Session interface {
	OnJoin(ctx context.Context, id domain.ActorID) error
	OnLeave(id domain.ActorID) (*executor.Future[int64], error)
	Balance(id domain.ActorID) (decimal.Decimal, error)
	Deposit(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error)
	Spend(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error)
	SetBalance(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error)
	Earn(id domain.ActorID, amount decimal.Decimal) (decimal.Decimal, int, error)
	Give(from, to domain.ActorID, amount decimal.Decimal) (decimal.Decimal, error)
	Cooldown(id domain.ActorID) (int, bool)
}

type changeSource interface {
	Subscribe() chan domain.BalanceChange
	Unsubscribe(ch chan domain.BalanceChange)
}

// Server serves the session API and an SSE stream of balance changes.
type Server struct {
	Addr    string
	session Session
	changes changeSource
	l       *zap.Logger

	// earnAmount picks the reward of the rate-limited earn action.
	earnAmount func() decimal.Decimal
}

// NewServer creates a new web server instance.
func NewServer(addr string, session Session, changes changeSource, l *zap.Logger) *Server {
	return &Server{
		Addr:    addr,
		session: session,
		changes: changes,
		l:       l.Named("web"),
		earnAmount: func() decimal.Decimal {
			return decimal.NewFromInt(int64(rand.IntN(5) + 1))
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /actors/{id}/join", s.handleJoin)
	mux.HandleFunc("POST /actors/{id}/leave", s.handleLeave)
	mux.HandleFunc("GET /actors/{id}/balance", s.handleBalance)
	mux.HandleFunc("POST /actors/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("POST /actors/{id}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /actors/{id}/set", s.handleSet)
	mux.HandleFunc("POST /actors/{id}/earn", s.handleEarn)
	mux.HandleFunc("POST /actors/{id}/give", s.handleGive)
	mux.HandleFunc("GET /actors/{id}/cooldown", s.handleCooldown)
	mux.HandleFunc("GET /balance/stream", s.handleBalanceStream)

	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with ACME certificates and a port 80
// listener for HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("acme http server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme http server", zap.Error(err))
		}
	}()

	s.l.Info("https server listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type giveRequest struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type balanceResponse struct {
	Actor    string `json:"actor"`
	Balance  string `json:"balance"`
	Cooldown int    `json:"cooldown,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Remaining int    `json:"remaining,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}
	if err := s.session.OnJoin(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBalance(w, id)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}
	if _, err := s.session.OnLeave(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}
	s.writeBalance(w, id)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleAmount(w, r, true, s.session.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleAmount(w, r, true, s.session.Spend)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	s.handleAmount(w, r, false, s.session.SetBalance)
}

func (s *Server) handleAmount(w http.ResponseWriter, r *http.Request, positive bool,
	op func(domain.ActorID, decimal.Decimal) (decimal.Decimal, error)) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if req.Amount.IsNegative() || (positive && !req.Amount.IsPositive()) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid amount"})
		return
	}

	balance, err := op(id, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Actor: id.String(), Balance: balance.String()})
}

func (s *Server) handleEarn(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}

	balance, remaining, err := s.session.Earn(id, s.earnAmount())
	if errors.Is(err, lifecycle.ErrCooldownActive) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error(), Remaining: remaining})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Actor: id.String(), Balance: balance.String(), Cooldown: remaining})
}

func (s *Server) handleGive(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}

	var req giveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	to, err := domain.ParseActorID(req.To)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid target id"})
		return
	}

	balance, err := s.session.Give(id, to, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Actor: id.String(), Balance: balance.String()})
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	id, ok := s.actorID(w, r)
	if !ok {
		return
	}

	remaining, active := s.session.Cooldown(id)
	if !active {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active cooldown"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remaining": remaining})
}

func (s *Server) handleBalanceStream(w http.ResponseWriter, r *http.Request) {
	if s.changes == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "balance stream not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.changes.Subscribe()
	defer s.changes.Unsubscribe(ch)

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case change, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(change)
			if err != nil {
				s.l.Warn("balance stream marshal", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: balance\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) actorID(w http.ResponseWriter, r *http.Request) (domain.ActorID, bool) {
	id, err := domain.ParseActorID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid actor id"})
		return domain.ActorID{}, false
	}
	return id, true
}

func (s *Server) writeBalance(w http.ResponseWriter, id domain.ActorID) {
	balance, err := s.session.Balance(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Actor: id.String(), Balance: balance.String()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrActorNotPresent):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrInsufficientFunds):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrSelfTransfer), errors.Is(err, lifecycle.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.l.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
