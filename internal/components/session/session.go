// Package session implements the login, registration, OTP and logout flows on
// top of the authenticated API client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sokoni/sokoni-client/internal/components/apiclient"
	"github.com/sokoni/sokoni-client/internal/platform/appctx"
	"github.com/sokoni/sokoni-client/internal/platform/config"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
	"github.com/sokoni/sokoni-client/internal/platform/logutil"
)

// ErrNotLoggedIn is returned by CurrentUser when no session is stored.
var ErrNotLoggedIn = errors.New("not logged in")

// User is the profile returned by the auth endpoints.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type OTPRequest struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	OTP   string `json:"otp"`
}

// RegisterResult reports the outcome of registration. The account is not
// usable until the OTP is verified.
type RegisterResult struct {
	Message     string `json:"message"`
	OTPRequired bool   `json:"-"`
}

// authResponse is the body of a successful login or OTP verification.
type authResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user"`
}

// Error is a failed flow with a message fit for display.
type Error struct {
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// flowError prefers the server's message and falls back to a fixed one.
func flowError(op, fallback string, err error) error {
	msg := fallback
	var statusErr *apiclient.StatusError
	if errors.As(err, &statusErr) && statusErr.Message != "" {
		msg = statusErr.Message
	}
	return &Error{Op: op, Message: msg, Err: err}
}

// Service runs the auth flows and keeps the credential store in sync.
type Service struct {
	api    *apiclient.Client
	store  credstore.Store
	paths  config.APIConfig
	logger *slog.Logger
}

// New creates a Service using paths for the auth endpoints.
func New(api *apiclient.Client, paths config.APIConfig, logger *slog.Logger) *Service {
	return &Service{
		api:    api,
		store:  api.Store(),
		paths:  paths,
		logger: logutil.NoopIfNil(logger),
	}
}

// Login authenticates with a password and stores the new session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*User, error) {
	resp, err := s.api.Do(ctx, apiclient.Request{
		Method:    http.MethodPost,
		Path:      s.paths.LoginPath,
		Body:      req,
		Anonymous: true,
	})
	if err != nil {
		return nil, flowError("login", "Login failed", err)
	}
	user, err := s.establish(ctx, resp)
	if err != nil {
		return nil, &Error{Op: "login", Message: "Login failed", Err: err}
	}
	return user, nil
}

// Register creates an account. The server then sends an OTP that must be
// confirmed with VerifyOTP.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	resp, err := s.api.Do(ctx, apiclient.Request{
		Method:    http.MethodPost,
		Path:      s.paths.RegisterPath,
		Body:      req,
		Anonymous: true,
	})
	if err != nil {
		return nil, flowError("register", "Registration failed", err)
	}

	result := &RegisterResult{OTPRequired: true}
	if len(resp.Body) > 0 {
		// The message is informational; an unexpected body is not an error.
		_ = resp.DecodeJSON(result)
	}
	return result, nil
}

// VerifyOTP confirms a registration and stores the new session.
func (s *Service) VerifyOTP(ctx context.Context, req OTPRequest) (*User, error) {
	resp, err := s.api.Do(ctx, apiclient.Request{
		Method:    http.MethodPost,
		Path:      s.paths.VerifyOTPPath,
		Body:      req,
		Anonymous: true,
	})
	if err != nil {
		return nil, flowError("verify-otp", "OTP verification failed", err)
	}
	user, err := s.establish(ctx, resp)
	if err != nil {
		return nil, &Error{Op: "verify-otp", Message: "OTP verification failed", Err: err}
	}
	return user, nil
}

// Logout tells the server to end the session. The local session is cleared
// whether or not the server call succeeds. The server call is sent with the
// stored access token as is: a rejected token does not trigger a refresh and
// never raises a session-expired signal.
func (s *Service) Logout(ctx context.Context) error {
	log := appctx.GetLogger(ctx, s.logger)

	req := apiclient.Request{Method: http.MethodPost, Path: s.paths.LogoutPath, Anonymous: true}
	if token, err := credstore.Lookup(ctx, s.store, credstore.KeyAccessToken); err == nil && token != "" {
		req.Header = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	if _, err := s.api.Do(ctx, req); err != nil {
		log.Debug("logout request failed, clearing local session anyway", "error", err)
	}
	if err := s.api.ClearCredentials(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	log.Info("logged out")
	return nil
}

// CurrentUser returns the stored profile. Both the profile and an access
// token must be present.
func (s *Service) CurrentUser(ctx context.Context) (*User, error) {
	raw, err := credstore.Lookup(ctx, s.store, credstore.KeyUser)
	if err != nil {
		return nil, err
	}
	token, err := credstore.Lookup(ctx, s.store, credstore.KeyAccessToken)
	if err != nil {
		return nil, err
	}
	if raw == "" || token == "" {
		return nil, ErrNotLoggedIn
	}

	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		// A corrupt profile is treated like no session.
		return nil, ErrNotLoggedIn
	}
	return &user, nil
}

// AccessTokenExpiry returns the expiry of the stored access token.
func (s *Service) AccessTokenExpiry(ctx context.Context) (time.Time, error) {
	token, err := credstore.Lookup(ctx, s.store, credstore.KeyAccessToken)
	if err != nil {
		return time.Time{}, err
	}
	if token == "" {
		return time.Time{}, ErrNotLoggedIn
	}
	return TokenExpiry(token)
}

// establish stores tokens and the user from an auth response.
func (s *Service) establish(ctx context.Context, resp *apiclient.Response) (*User, error) {
	var ar authResponse
	if err := resp.DecodeJSON(&ar); err != nil {
		return nil, err
	}
	if ar.AccessToken == "" {
		return nil, errors.New("response has no access token")
	}

	var user User
	if len(ar.User) > 0 {
		if err := json.Unmarshal(ar.User, &user); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
	}

	if err := s.api.SetCredentials(ctx, apiclient.Credentials{
		AccessToken:  ar.AccessToken,
		RefreshToken: ar.RefreshToken,
	}); err != nil {
		return nil, err
	}
	if len(ar.User) > 0 {
		if err := s.store.Set(ctx, credstore.KeyUser, string(ar.User)); err != nil {
			return nil, fmt.Errorf("store user: %w", err)
		}
	}

	log := appctx.GetLogger(ctx, s.logger)
	attrs := []any{"user_id", user.ID}
	if exp, err := TokenExpiry(ar.AccessToken); err == nil {
		attrs = append(attrs, "access_expires", exp.Format(time.RFC3339))
	}
	log.Info("session established", attrs...)
	return &user, nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The client only uses it for display; the server remains the authority.
func TokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return exp.Time, nil
}
