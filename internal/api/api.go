// ABOUTME: HTTP admin API: login, subscription CRUD, link issuance.
// ABOUTME: Wire format matches the deployed admin tooling; do not change casually.

package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/halcyon-vpn/warden/internal/auth"
	"github.com/halcyon-vpn/warden/internal/config"
	"github.com/halcyon-vpn/warden/internal/identity"
	"github.com/halcyon-vpn/warden/internal/proxyctl"
	"github.com/halcyon-vpn/warden/internal/ratelimit"
	"github.com/halcyon-vpn/warden/internal/reconcile"
	"github.com/halcyon-vpn/warden/internal/store"
	"github.com/halcyon-vpn/warden/internal/vless"
	"github.com/halcyon-vpn/warden/internal/xray"
)

// Server holds the handler dependencies. Routes are registered onto an
// external mux so the caller controls listeners and middleware ordering.
type Server struct {
	cfg      *config.Config
	subs     store.Store
	access   *xray.Store
	proxy    *proxyctl.Controller
	verifier *auth.JWTVerifier
	limiter  ratelimit.Limiter
	logger   *slog.Logger
}

// New creates the API server. limiter may be nil when rate limiting is
// disabled.
func New(cfg *config.Config, subs store.Store, access *xray.Store, proxy *proxyctl.Controller, limiter ratelimit.Limiter) *Server {
	return &Server{
		cfg:      cfg,
		subs:     subs,
		access:   access,
		proxy:    proxy,
		verifier: auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		limiter:  limiter,
		logger:   slog.Default().With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Public endpoints
	mux.Handle("POST /login", s.rateLimited(http.HandlerFunc(s.handleLogin)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /docs", s.handleDocs)

	// Token-protected endpoints
	authed := auth.Middleware(s.verifier)
	mux.Handle("POST /add", authed(http.HandlerFunc(s.handleAdd)))
	mux.Handle("GET /users", authed(http.HandlerFunc(s.handleUsers)))
	mux.Handle("PATCH /patch/{username}", authed(http.HandlerFunc(s.handlePatch)))
	mux.Handle("POST /link", s.rateLimited(authed(http.HandlerFunc(s.handleLink))))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// rateLimited rejects requests over the configured per-IP budget with 429.
// A nil or disabled limiter passes everything through.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RateLimit.Enabled || s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		d := s.limiter.Allow(ratelimit.IPKey(r), s.cfg.RateLimit.Requests, s.cfg.RateLimit.Window)
		if !d.Allowed {
			retry := int(time.Until(d.WindowEnd).Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !auth.VerifyCredentials(s.cfg.Auth.AdminUsername, s.cfg.Auth.AdminPassword, req.Login, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid login or password")
		return
	}

	token, err := s.verifier.Generate(req.Login, s.cfg.Auth.TokenTTL)
	if err != nil {
		s.logger.Error("generating token", "error", err)
		writeError(w, http.StatusInternalServerError, "generating token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// subscriptionResponse is the row shape every subscription endpoint
// returns. The password rides along because the deployed tooling reads it.
type subscriptionResponse struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Password string  `json:"password"`
	Active   bool    `json:"active"`
	Link     *string `json:"link"`
}

func toResponse(sub *store.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:       sub.ID,
		Username: sub.Username,
		Password: sub.Password,
		Active:   sub.Active,
		Link:     sub.Link,
	}
}

type addRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Active   *bool  `json:"active"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	sub, err := s.subs.CreateSubscription(r.Context(), req.Username, req.Password, active)
	if errors.Is(err, store.ErrUsernameExists) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("user %q already exists", req.Username))
		return
	}
	if err != nil {
		s.logger.Error("creating subscription", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "creating subscription")
		return
	}

	s.logger.Info("subscription created", "username", sub.Username, "active", sub.Active)
	writeJSON(w, http.StatusCreated, toResponse(sub))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.ListSubscriptions(r.Context())
	if err != nil {
		s.logger.Error("listing subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "listing subscriptions")
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toResponse(sub))
	}
	writeJSON(w, http.StatusOK, out)
}

type patchRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}

	ctx := r.Context()
	sub, err := s.subs.GetByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("user %q not found", username))
		return
	}
	if err != nil {
		s.logger.Error("loading subscription", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "loading subscription")
		return
	}

	if sub.Active != *req.Active {
		if err := s.subs.UpdateActive(ctx, username, *req.Active); err != nil {
			s.logger.Error("updating subscription", "username", username, "error", err)
			writeError(w, http.StatusInternalServerError, "updating subscription")
			return
		}
		sub.Active = *req.Active

		// Apply the flip to the live access list right away instead of
		// waiting for the next sweep. Rows without a link have nothing to
		// apply; the sweep issues their link later.
		if sub.Link != nil && *sub.Link != "" {
			s.applyMembership(ctx, sub)
		}
	}

	writeJSON(w, http.StatusOK, toResponse(sub))
}

type linkRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type linkResponse struct {
	Link string `json:"link"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	ctx := r.Context()
	sub, err := s.subs.GetByUsername(ctx, req.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First sight of these credentials: create the row inactive and
		// issue its link in the same request.
		sub, err = s.subs.CreateSubscription(ctx, req.Username, req.Password, false)
		if err != nil {
			s.logger.Error("creating subscription", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "creating subscription")
			return
		}
		link := reconcile.LinkFor(s.cfg, identity.FromCredentials(req.Username, req.Password).String())
		if err := s.subs.UpdateLink(ctx, req.Username, link); err != nil {
			s.logger.Error("storing issued link", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "storing issued link")
			return
		}
		sub.Link = &link
		s.logger.Info("subscription created via link issuance", "username", sub.Username)

	case err != nil:
		s.logger.Error("loading subscription", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "loading subscription")
		return

	default:
		// Subscriber passwords are stored as entered; compare without
		// leaking length timing.
		if subtle.ConstantTimeCompare([]byte(sub.Password), []byte(req.Password)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid password")
			return
		}
		link, err := s.currentLink(ctx, sub)
		if err != nil {
			s.logger.Error("refreshing link", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "refreshing link")
			return
		}
		sub.Link = &link
	}

	// An active subscriber fetching their link must be able to connect
	// with it immediately.
	if sub.Active {
		s.applyMembership(ctx, sub)
	}

	writeJSON(w, http.StatusOK, linkResponse{Link: *sub.Link})
}

// currentLink returns the row's link re-encoded against current
// configuration, persisting it when it differs from the stored value. A
// link whose identifier cannot be extracted is re-derived from credentials.
func (s *Server) currentLink(ctx context.Context, sub *store.Subscription) (string, error) {
	stored := ""
	if sub.Link != nil {
		stored = *sub.Link
	}

	id := ""
	if stored != "" {
		if got, err := vless.ExtractID(stored); err == nil {
			id = got
		}
	}
	if id == "" {
		id = identity.FromCredentials(sub.Username, sub.Password).String()
	}

	link := reconcile.LinkFor(s.cfg, id)
	if link != stored {
		if err := s.subs.UpdateLink(ctx, sub.Username, link); err != nil {
			return "", fmt.Errorf("storing refreshed link: %w", err)
		}
	}
	return link, nil
}

// applyMembership pushes one row's active flag into the access document and
// restarts the service when the document actually changed. Failures are
// logged, not surfaced: the sweep heals whatever this missed.
func (s *Server) applyMembership(ctx context.Context, sub *store.Subscription) {
	id, err := vless.ExtractID(*sub.Link)
	if err != nil {
		s.logger.Warn("stored link carries no identifier", "username", sub.Username, "error", err)
		return
	}

	var changed bool
	if sub.Active {
		added, err := s.access.Upsert(ctx, id, identity.Email(sub.Username, s.cfg.VPN.EmailDomain))
		if err != nil {
			s.logger.Error("upserting access entry", "username", sub.Username, "error", err)
			return
		}
		changed = added
	} else {
		removed, err := s.access.Remove(ctx, id)
		if err != nil {
			s.logger.Error("removing access entry", "username", sub.Username, "error", err)
			return
		}
		changed = removed
	}

	if changed {
		if res := s.proxy.Restart(ctx); !res.OK() {
			s.logger.Error("restart after membership change",
				"username", sub.Username, "outcome", string(res.Outcome), "detail", res.Detail)
		}
	}
}
