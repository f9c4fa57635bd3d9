// Package web exposes the bridge's HTTP API: login, logout, password
// validation, SCIM user management, and the operational endpoints.
package web

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/dotsandlines/gluubridge/pkg/config"
	"github.com/dotsandlines/gluubridge/pkg/crowd"
	"github.com/dotsandlines/gluubridge/pkg/httputil"
	"github.com/dotsandlines/gluubridge/pkg/idp"
	"github.com/dotsandlines/gluubridge/pkg/lifecycle"
	"github.com/dotsandlines/gluubridge/pkg/observability"
	"github.com/dotsandlines/gluubridge/pkg/scim"
	"github.com/dotsandlines/gluubridge/pkg/session"
	"github.com/dotsandlines/gluubridge/pkg/store"
	"github.com/dotsandlines/gluubridge/pkg/token"
)

// Server represents the bridge HTTP server
type Server struct {
	router  *mux.Router
	manager *lifecycle.Manager
	hooks   *session.Hooks
	users   *scim.Client
	crowd   *crowd.Client
	db      *sql.DB
	redis   *redis.Client
	logger  *observability.Logger
	metrics *observability.Metrics

	ssoCookieName string
}

// NewServer creates the bridge HTTP server. crowdClient may be nil when no
// legacy Crowd instance is configured; db and redisClient are only used by
// the health endpoint and may be nil in tests.
func NewServer(
	manager *lifecycle.Manager,
	hooks *session.Hooks,
	users *scim.Client,
	crowdClient *crowd.Client,
	db *sql.DB,
	redisClient *redis.Client,
	cfg config.SessionConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		manager:       manager,
		hooks:         hooks,
		users:         users,
		crowd:         crowdClient,
		db:            db,
		redis:         redisClient,
		logger:        logger,
		metrics:       metrics,
		ssoCookieName: cfg.CookieName,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(s.recoveryMiddleware, s.metricsMiddleware)

	s.router.HandleFunc("/healthz", s.health).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.sessionMiddleware, s.revalidationMiddleware)

	api.HandleFunc("/login", s.login).Methods("POST")
	api.HandleFunc("/logout", s.logout).Methods("POST")
	api.HandleFunc("/password/validate", s.validatePassword).Methods("POST")
	api.HandleFunc("/token", s.serviceToken).Methods("GET")

	// SCIM user management, proxied under the admin service token
	api.HandleFunc("/users", s.findUser).Methods("GET")
	api.HandleFunc("/users", s.createUser).Methods("POST")
	api.HandleFunc("/users/{id}", s.getUser).Methods("GET")
	api.HandleFunc("/users/{id}", s.updateUser).Methods("PUT")
	api.HandleFunc("/users/{id}", s.deactivateUser).Methods("DELETE")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) ssoCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(s.ssoCookieName)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// login handles POST /api/login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Email    string `json:"email"`
		Password string `json:"password"`
		MemberID string `json:"member_id"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Email == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "user_id, email and password are required")
		return
	}
	principal := token.Identity(req.UserID)
	if !principal.IsPrincipal() {
		httputil.WriteBadRequest(w, "user_id must not be a reserved identity")
		return
	}

	rc := requestContext(w, r)
	tok, err := s.manager.Login(r.Context(), rc, principal, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, idp.ErrUnauthorized) {
			httputil.WriteUnauthorized(w, "invalid credentials")
			return
		}
		s.logger.WithError(err).Error("login failed")
		httputil.WriteInternalError(w, errors.New("login failed"))
		return
	}

	// hand the shared SSO cookie to sibling applications when a legacy
	// member ID is known
	if req.MemberID != "" && s.crowd != nil {
		crowdToken, err := s.crowd.SessionToken(r.Context(), req.MemberID, "")
		if err != nil {
			s.logger.WithError(err).Warn("crowd session creation failed, continuing without SSO cookie")
		} else {
			s.hooks.WriteSSOCookie(rc, crowdToken)
		}
	}

	httputil.WriteSuccess(w, tok)
}

// logout handles POST /api/logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(w, r)
	if err := s.hooks.OnLogout(r.Context(), rc); err != nil {
		s.logger.WithError(err).Error("logout failed")
		httputil.WriteInternalError(w, errors.New("logout failed"))
		return
	}
	httputil.WriteNoContent(w)
}

// validatePassword handles POST /api/password/validate
func (s *Server) validatePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}

	rc := requestContext(w, r)
	valid := s.manager.ValidatePassword(r.Context(), rc, req.Email, req.Password)
	httputil.WriteSuccess(w, map[string]bool{"valid": valid})
}

// serviceToken handles GET /api/token
func (s *Server) serviceToken(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(w, r)
	tok, err := s.manager.Resolve(r.Context(), rc, token.AdminIdentity)
	if err != nil {
		if errors.Is(err, store.ErrLockTimeout) {
			httputil.WriteServiceUnavailable(w, err.Error())
			return
		}
		s.logger.WithError(err).Error("service token resolution failed")
		httputil.WriteInternalError(w, errors.New("service token resolution failed"))
		return
	}
	httputil.WriteSuccess(w, tok)
}

// findUser handles GET /api/users?userName=...
func (s *Server) findUser(w http.ResponseWriter, r *http.Request) {
	userName := r.URL.Query().Get("userName")
	if userName == "" {
		httputil.WriteBadRequest(w, "userName query parameter is required")
		return
	}

	user, err := s.users.FindUserByUserName(r.Context(), requestContext(w, r), userName)
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// getUser handles GET /api/users/{id}
func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetUser(r.Context(), requestContext(w, r), mux.Vars(r)["id"])
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// createUser handles POST /api/users
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "email and password are required")
		return
	}

	user, err := s.users.CreateUser(r.Context(), requestContext(w, r), scim.NewRegistrationUser(req.Email, req.Password))
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	httputil.WriteCreated(w, user)
}

// updateUser handles PUT /api/users/{id}
func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	var payload scim.User
	if !httputil.ParseJSONOrError(w, r, &payload) {
		return
	}

	user, err := s.users.UpdateUser(r.Context(), requestContext(w, r), mux.Vars(r)["id"], &payload)
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

// deactivateUser handles DELETE /api/users/{id}
func (s *Server) deactivateUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.DeactivateUser(r.Context(), requestContext(w, r), mux.Vars(r)["id"])
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	httputil.WriteSuccess(w, user)
}

func (s *Server) writeUserError(w http.ResponseWriter, err error) {
	if errors.Is(err, scim.ErrNotFound) {
		httputil.WriteNotFoundError(w, "user not found")
		return
	}
	var scimErr *scim.Error
	if errors.As(err, &scimErr) {
		s.logger.WithField("status", scimErr.StatusCode).Error("scim request rejected")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "identity provider rejected the request")
		return
	}
	s.logger.WithError(err).Error("scim request failed")
	httputil.WriteInternalError(w, errors.New("user operation failed"))
}

// health handles GET /healthz
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			httputil.WriteServiceUnavailable(w, "database unreachable")
			return
		}
	}
	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			httputil.WriteServiceUnavailable(w, "redis unreachable")
			return
		}
	}
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}
