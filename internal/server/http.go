// Package server exposes the protocol over HTTP/JSON and a minimal gRPC
// surface. Mutations become engine operations; reads come from the live
// components and the projection tables.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"qeuro/internal/core"
	"qeuro/internal/observability"
	"qeuro/internal/oracle"
	"qeuro/internal/persistence"
	"qeuro/internal/protocol"
	"qeuro/internal/query"
	"qeuro/internal/roles"
	"qeuro/internal/token"
	"qeuro/internal/vault"
)

// PrincipalHeader carries the caller address for authenticated routes.
// Upstream infrastructure is expected to authenticate the principal; this
// service only authorizes it against the role registry.
const PrincipalHeader = "X-Qeuro-Principal"

// OperationIDHeader optionally pins the idempotency key of a mutation.
// Clients that retry must reuse the same ID to get at-most-once effects.
const OperationIDHeader = "X-Qeuro-Operation-Id"

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Engine      *core.Engine
	Vault       *vault.Vault
	Oracle      *oracle.Oracle
	Roles       *roles.Registry
	Query       *query.QueryService
	Snapshotter *persistence.Snapshotter
	DB          *sql.DB
	Tokens      map[string]token.Asset
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
}

// HTTPServer serves the JSON API.
type HTTPServer struct {
	log  zerolog.Logger
	addr string
	deps Deps
	srv  *http.Server
}

func NewHTTPServer(log zerolog.Logger, addr string, deps Deps) *HTTPServer {
	s := &HTTPServer{
		log:  log.With().Str("component", "http").Logger(),
		addr: addr,
		deps: deps,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *HTTPServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.LivenessHandler)
		r.Get("/readyz", s.deps.Health.ReadinessHandler)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/price", s.handleGetPrice)
		r.Get("/oracle/status", s.handleOracleStatus)
		r.Get("/roles/{role}", s.handleRoleMembers)
		r.Get("/quote/mint", s.handleQuoteMint)
		r.Get("/quote/redeem", s.handleQuoteRedeem)
		r.Post("/mint", s.handleMint)
		r.Post("/redeem", s.handleRedeem)

		r.Get("/vault/metrics", s.handleVaultMetrics)
		r.Get("/history/prices", s.handlePriceHistory)
		r.Get("/history/operations", s.handleOperationHistory)
		r.Get("/events", s.handleEvents)
		r.Get("/journal", s.handleJournal)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/vault/pause", s.handlePauseVault)
			r.Post("/vault/unpause", s.handleUnpauseVault)
			r.Post("/oracle/pause", s.handlePauseOracle)
			r.Post("/oracle/unpause", s.handleUnpauseOracle)
			r.Post("/breaker/trigger", s.handleTriggerBreaker)
			r.Post("/breaker/reset", s.handleResetBreaker)
			r.Post("/parameters", s.handleUpdateParameters)
			r.Post("/oracle/address", s.handleUpdateOracle)
			r.Post("/bounds", s.handleUpdateBounds)
			r.Post("/tolerance", s.handleUpdateTolerance)
			r.Post("/feeds", s.handleUpdateFeeds)
			r.Post("/roles/grant", s.handleGrantRole)
			r.Post("/roles/revoke", s.handleRevokeRole)
			r.Post("/fees/withdraw", s.handleWithdrawFees)
			r.Post("/recover/token", s.handleRecoverToken)
			r.Post("/recover/native", s.handleRecoverNative)
			r.Post("/snapshot", s.handleTakeSnapshot)
			r.Post("/projections/rebuild", s.handleRebuildProjections)
			r.Get("/integrity", s.handleVerifyIntegrity)
		})
	})

	return r
}

// Handler returns the routed handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.srv.Handler }

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// instrument records per-route request counts and latencies.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		s.deps.Metrics.APIRequests.WithLabelValues(endpoint, fmt.Sprintf("%d", ww.Status())).Inc()
		s.deps.Metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// --- request plumbing ---

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func (s *HTTPServer) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	s.respond(w, statusFor(err), errorResponse{Error: apiError{
		Kind:    protocol.Kind(err),
		Message: err.Error(),
	}})
}

func (s *HTTPServer) badRequest(w http.ResponseWriter, format string, args ...any) {
	s.respond(w, http.StatusBadRequest, errorResponse{Error: apiError{
		Kind:    "BadRequest",
		Message: fmt.Sprintf(format, args...),
	}})
}

// statusFor maps the error taxonomy onto HTTP statuses. State-dependent
// rejections are conflicts: the request was well-formed but the protocol
// state refused it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, protocol.ErrZeroAddress),
		errors.Is(err, protocol.ErrZeroAmount),
		errors.Is(err, protocol.ErrInvalidConfiguration),
		errors.Is(err, protocol.ErrInvalidFee),
		errors.Is(err, protocol.ErrIncompatibleDecimals),
		errors.Is(err, protocol.ErrAmountOverflow):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrVaultPaused),
		errors.Is(err, protocol.ErrOraclePaused),
		errors.Is(err, protocol.ErrStalePrice),
		errors.Is(err, protocol.ErrPriceOutOfBounds),
		errors.Is(err, protocol.ErrUsdcDepeg),
		errors.Is(err, protocol.ErrSlippageExceeded),
		errors.Is(err, protocol.ErrInsufficientReserves),
		errors.Is(err, protocol.ErrAlreadyInitialized),
		errors.Is(err, protocol.ErrCannotRecoverManagedAsset),
		errors.Is(err, protocol.ErrReentrancyDetected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// principal extracts and validates the caller address header.
func (s *HTTPServer) principal(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(PrincipalHeader)
	if raw == "" {
		s.respond(w, http.StatusUnauthorized, errorResponse{Error: apiError{
			Kind:    "MissingPrincipal",
			Message: fmt.Sprintf("%s header required", PrincipalHeader),
		}})
		return common.Address{}, false
	}
	if !common.IsHexAddress(raw) {
		s.badRequest(w, "invalid principal address %q", raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// operationID returns the client-pinned idempotency key, or a fresh one.
func operationID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(OperationIDHeader)
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", OperationIDHeader, err)
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// submit routes an operation through the engine and writes the shared
// rejection/duplicate handling.
func (s *HTTPServer) submit(w http.ResponseWriter, r *http.Request, op core.Operation) (core.Result, bool) {
	res, err := s.deps.Engine.Submit(r.Context(), op)
	if err != nil {
		s.respond(w, http.StatusServiceUnavailable, errorResponse{Error: apiError{
			Kind:    "Unavailable",
			Message: err.Error(),
		}})
		return core.Result{}, false
	}
	if res.Err != nil {
		s.respondError(w, res.Err)
		return core.Result{}, false
	}
	if res.Duplicate {
		s.respond(w, http.StatusConflict, errorResponse{Error: apiError{
			Kind:    "DuplicateOperation",
			Message: fmt.Sprintf("operation %s already processed", op.ID()),
		}})
		return core.Result{}, false
	}
	return res, true
}
