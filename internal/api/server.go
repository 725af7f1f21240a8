package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/kioskguard/kioskguard/internal/api/middleware"
	"github.com/kioskguard/kioskguard/internal/audit"
	"github.com/kioskguard/kioskguard/internal/binding"
	"github.com/kioskguard/kioskguard/internal/database"
	"github.com/kioskguard/kioskguard/internal/device"
	"github.com/kioskguard/kioskguard/internal/license"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Engine    *binding.Engine
	Licenses  *license.Manager
	Devices   *device.Registry
	Audit     *audit.Trail
	Clients   database.ClientRepository
	Branches  database.BranchRepository
	Locations database.LocationRepository

	// OperatorKey verifies operator bearer tokens.
	OperatorKey []byte
	// Limiter throttles the device protocol per client IP. Nil disables
	// rate limiting.
	Limiter *middleware.IPRateLimiter
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ping reports store health for /healthz when set.
	Ping       func(ctx context.Context) error
	TLSEnabled bool
	Now        func() time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router      *chi.Mux
	engine      *binding.Engine
	licenses    *license.Manager
	devices     *device.Registry
	audit       *audit.Trail
	clients     database.ClientRepository
	branches    database.BranchRepository
	locations   database.LocationRepository
	operatorKey []byte
	limiter     *middleware.IPRateLimiter
	metrics     http.Handler
	ping        func(ctx context.Context) error
	tlsEnabled  bool
	now         func() time.Time
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		router:      chi.NewRouter(),
		engine:      deps.Engine,
		licenses:    deps.Licenses,
		devices:     deps.Devices,
		audit:       deps.Audit,
		clients:     deps.Clients,
		branches:    deps.Branches,
		locations:   deps.Locations,
		operatorKey: deps.OperatorKey,
		limiter:     deps.Limiter,
		metrics:     deps.Metrics,
		ping:        deps.Ping,
		tlsEnabled:  deps.TLSEnabled,
		now:         now,
		validate:    newValidator(),
		logger:      slog.Default().With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(s.tlsEnabled))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Device protocol, unauthenticated and throttled per IP.
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(middleware.RateLimit(s.limiter))
			}
			r.Post("/licenses/activate", s.handleActivate)
			r.Post("/licenses/validate", s.handleValidate)
			r.Post("/licenses/heartbeat", s.handleHeartbeat)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireOperator(s.operatorKey))

			r.Route("/licenses", func(r chi.Router) {
				r.Get("/", s.handleListLicenses)
				r.Post("/", s.handleCreateLicense)
				r.Get("/stats", s.handleLicenseStats)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetLicense)
					r.Post("/revoke", s.handleRevokeLicense)
					r.Post("/extend", s.handleExtendLicense)
					r.Post("/transfer", s.handleTransferLicense)
					r.Post("/release", s.handleReleaseLicense)
				})
			})

			r.Get("/bindings", s.handleListBindings)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/blacklisted", s.handleListBlacklisted)
				r.Get("/{id}", s.handleGetDevice)
			})

			r.Route("/blacklist", func(r chi.Router) {
				r.Get("/", s.handleListBlacklistEntries)
				r.Post("/", s.handleBlacklist)
				r.Delete("/{fingerprint}", s.handleUnblacklist)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/", s.handleRecentAudit)
				r.Get("/critical", s.handleCriticalAudit)
				r.Get("/cloning", s.handleCloningAudit)
				r.Get("/stats", s.handleAuditStats)
				r.Get("/licenses/{id}", s.handleLicenseAudit)
				r.Get("/devices/{id}", s.handleDeviceAudit)
			})

			r.Post("/clients", s.handleCreateClient)
			r.Post("/branches", s.handleCreateBranch)
			r.Route("/locations", func(r chi.Router) {
				r.Get("/", s.handleListLocations)
				r.Post("/", s.handleCreateLocation)
				r.Patch("/{id}", s.handleUpdateLocation)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// actor returns the authenticated operator's email.
func actor(r *http.Request) string {
	op, _ := middleware.OperatorFromContext(r.Context())
	return op.Email
}

// writeServiceError maps a domain error to an HTTP status. Unexpected
// errors are logged and reported as 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, license.ErrNotFound),
		errors.Is(err, device.ErrNotFound),
		errors.Is(err, device.ErrNotBlacklisted):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, license.ErrInvalidType),
		errors.Is(err, license.ErrInvalidDays),
		errors.Is(err, device.ErrInvalidFingerprint):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, license.ErrOwnerNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, license.ErrAlreadyRevoked),
		errors.Is(err, license.ErrPerpetual),
		errors.Is(err, binding.ErrNotBound),
		errors.Is(err, binding.ErrFingerprintMismatch),
		errors.Is(err, binding.ErrDeviceBound),
		errors.Is(err, binding.ErrDeviceNotAllowed),
		errors.Is(err, binding.ErrLicenseInvalid):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(op+": failed", "error", err, "request_id", chimw.GetReqID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
