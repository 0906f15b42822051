// Package api exposes the HTTP surface the UI talks to. Handlers are
// stateless; every dependency is constructed once at process start and
// injected here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/hubqueue/internal/auth"
	"github.com/dharsanguruparan/hubqueue/internal/blobstore"
	"github.com/dharsanguruparan/hubqueue/internal/config"
	"github.com/dharsanguruparan/hubqueue/internal/lock"
	"github.com/dharsanguruparan/hubqueue/internal/model"
	"github.com/dharsanguruparan/hubqueue/internal/repository"
	"github.com/dharsanguruparan/hubqueue/internal/service"
	"github.com/dharsanguruparan/hubqueue/internal/signing"
)

// Server exposes HTTP endpoints for the queue, history, users, maintenance
// and binary assets.
type Server struct {
	cfg    *config.Config
	svc    *service.Service
	blobs  blobstore.Store
	signer *signing.Signer
	tokens auth.TokenIssuer
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, svc *service.Service, blobs blobstore.Store, signer *signing.Signer, tokens auth.TokenIssuer) *Server {
	return &Server{cfg: cfg, svc: svc, blobs: blobs, signer: signer, tokens: tokens}
}

// Router builds the route tree. Split out from Run so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware, loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		// Session bootstrap reads the flag before authenticating, so the
		// read stays open.
		r.Get("/maintenance", s.handleGetMaintenance)
		// Asset fetches authenticate by HMAC signature instead of a header;
		// browsers cannot attach headers to img tags.
		r.Get("/image", s.handleImage)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/queue", s.handleQueue)
			r.Get("/history", s.handleHistory)
			r.Get("/users", s.handleUsers)
			r.Get("/realtime-token", s.handleRealtimeToken)

			r.Group(func(r chi.Router) {
				r.Use(s.maintenanceGate)
				r.Post("/images", s.handleUpload)
				r.Post("/images/{id}/claim", s.handleClaim)
				r.Post("/images/{id}/unclaim", s.handleUnclaim)
				r.Post("/images/{id}/complete", s.handleComplete)
				r.Delete("/images/{id}", s.handleDelete)
				r.Put("/users/{username}/role", s.handleSetRole)
				r.Delete("/users/{username}", s.handleRemoveUser)
				r.Put("/maintenance", s.handleSetMaintenance)
			})
		})
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Router(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey struct{}

func actorFrom(r *http.Request) model.User {
	actor, _ := r.Context().Value(ctxKey{}).(model.User)
	return actor
}

// authMiddleware parses the bearer token and re-reads the user record, so a
// role change or ban takes effect on the next request, not at token expiry.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := s.tokens.ParseSession(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid session")
			return
		}
		user, err := s.svc.Lookup(r.Context(), claims.Subject)
		if err != nil {
			if errors.Is(err, repository.ErrUserNotFound) {
				respondError(w, http.StatusUnauthorized, "unknown account")
				return
			}
			s.respondServiceError(w, err)
			return
		}
		if user.Role == model.RoleBanned {
			respondError(w, http.StatusForbidden, "account is banned")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// maintenanceGate blocks mutations for everyone but admins while the flag is
// set. A store error here fails open: blocking all writes because the flag
// was unreadable would turn a storage blip into an outage.
func (s *Server) maintenanceGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r)
		if actor.Role != model.RoleAdmin {
			state, err := s.svc.Repo.Maintenance(r.Context())
			if err == nil && state.IsMaintenance {
				respondError(w, http.StatusServiceUnavailable, "maintenance in progress, try again later")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// respondServiceError maps domain and infrastructure errors onto statuses
// and the {success, error} envelope. Lock exhaustion and transport failures
// stay distinguishable so the UI can offer a retry.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var forbidden service.ForbiddenError
	var validation service.ValidationError
	var storeErr *blobstore.StoreError
	switch {
	case errors.As(err, &forbidden):
		respondError(w, http.StatusForbidden, forbidden.Error())
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, service.ErrBadCredentials):
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrAlreadyClaimed),
		errors.Is(err, service.ErrNotClaimant),
		errors.Is(err, service.ErrNotInProgress),
		errors.Is(err, service.ErrLastAdmin),
		errors.Is(err, repository.ErrUserExists):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, blobstore.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lock.ErrNotAcquired):
		respondError(w, http.StatusServiceUnavailable, "the queue is busy, please try again")
	case errors.As(err, &storeErr):
		log.Printf("storage failure: %v", err)
		respondError(w, http.StatusBadGateway, "could not connect to storage")
	default:
		log.Printf("internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func respondOK(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, envelope{Success: true})
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, envelope{Success: false, Error: msg})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
