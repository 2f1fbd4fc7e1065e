// Package mockapi is an in-memory stand-in for the marketplace auth API.
// It issues short-lived HS256 access tokens and rotating opaque refresh
// tokens so the client's refresh path can be exercised end to end.
package mockapi

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sokoni/sokoni-client/internal/platform/http/middleware"
	"github.com/sokoni/sokoni-client/internal/platform/logutil"
)

const (
	// DefaultAccessTTL is deliberately short so refreshes happen in manual testing.
	DefaultAccessTTL = 2 * time.Minute
	// DefaultOTP is accepted for every registration.
	DefaultOTP = "123456"

	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
)

// Options configures a Server.
type Options struct {
	// Secret signs access tokens. A random secret is generated when empty.
	Secret    []byte
	AccessTTL time.Duration
	OTP       string
	// Prefix is the mount point of the API routes, e.g. "/api".
	Prefix string
	Logger *slog.Logger
	// Now is used for token timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if len(o.Secret) == 0 {
		o.Secret = []byte(uuid.NewString() + uuid.NewString())
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = DefaultAccessTTL
	}
	if o.OTP == "" {
		o.OTP = DefaultOTP
	}
	o.Prefix = "/" + strings.Trim(o.Prefix, "/")
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = logutil.NoopIfNil(o.Logger)
}

// User is the public profile returned to clients.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role"`
}

type account struct {
	user     User
	password string
	verified bool
}

// Server holds accounts and tokens in memory.
type Server struct {
	opts Options

	mu       sync.Mutex
	accounts map[string]*account // keyed by email or phone
	byID     map[string]*account
	refresh  map[string]string // refresh token -> user id
	// generation is embedded in access tokens; bumping it invalidates every
	// token issued so far.
	generation int64

	refreshCalls atomic.Int64
	handler      http.Handler
}

// New creates a Server with no accounts.
func New(opts Options) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:     opts,
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		refresh:  make(map[string]string),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLoggerMiddleware(s.opts.Logger))
	r.Use(middleware.AccessLogMiddleware(s.opts.Logger))
	r.Use(chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "Not found")
	})

	if s.opts.Prefix == "/" {
		s.apiRoutes(r)
	} else {
		r.Route(s.opts.Prefix, s.apiRoutes)
	}
	return r
}

func (s *Server) apiRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/verify-otp", s.handleVerifyOTP)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/users/profile", s.handleProfile)
		r.With(s.requireRole(RoleAdmin)).Get("/admin/ping", s.handleAdminPing)
	})
}

// AddUser creates a verified account and returns its profile.
func (s *Server) AddUser(u User, password string) User {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = RoleBuyer
	}
	acct := &account{user: u, password: password, verified: true}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index(acct)
	return u
}

func (s *Server) index(acct *account) {
	if acct.user.Email != "" {
		s.accounts[strings.ToLower(acct.user.Email)] = acct
	}
	if acct.user.Phone != "" {
		s.accounts[acct.user.Phone] = acct
	}
	s.byID[acct.user.ID] = acct
}

func (s *Server) lookup(email, phone string) *account {
	if email != "" {
		return s.accounts[strings.ToLower(email)]
	}
	if phone != "" {
		return s.accounts[phone]
	}
	return nil
}

// RefreshCalls returns how many times the refresh endpoint was hit.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// ExpireAccessTokens invalidates every access token issued so far.
// Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// RevokeRefreshTokens invalidates every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refresh = make(map[string]string)
	s.mu.Unlock()
}
