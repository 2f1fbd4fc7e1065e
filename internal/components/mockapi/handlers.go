package mockapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sokoni/sokoni-client/internal/platform/appctx"
)

type credentials struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
	OTP      string `json:"otp"`
}

type authResponse struct {
	tokenPair
	User User `json:"user"`
}

type userKey struct{}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}
	if req.Password == "" || (req.Email == "" && req.Phone == "") {
		writeMessage(w, http.StatusBadRequest, "Email or phone and password are required")
		return
	}
	role := req.Role
	if role != RoleSeller {
		role = RoleBuyer
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(req.Email, req.Phone) != nil {
		writeMessage(w, http.StatusConflict, "Account already exists")
		return
	}
	s.index(&account{
		user: User{
			ID:    uuid.NewString(),
			Name:  req.Name,
			Email: req.Email,
			Phone: req.Phone,
			Role:  role,
		},
		password: req.Password,
	})

	appctx.GetLogger(r.Context(), s.opts.Logger).Info("account registered, OTP pending")
	writeMessage(w, http.StatusCreated, "Registration successful. Enter the OTP sent to you.")
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.lookup(req.Email, req.Phone)
	if acct == nil || req.OTP != s.opts.OTP {
		writeMessage(w, http.StatusBadRequest, "Invalid OTP")
		return
	}
	acct.verified = true
	s.respondWithSession(w, r, acct.user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.lookup(req.Email, req.Phone)
	if acct == nil || acct.password != req.Password {
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if !acct.verified {
		writeMessage(w, http.StatusForbidden, "Account not verified")
		return
	}
	s.respondWithSession(w, r, acct.user)
}

// respondWithSession issues tokens. Caller holds s.mu.
func (s *Server) respondWithSession(w http.ResponseWriter, r *http.Request, user User) {
	pair, err := s.issue(user)
	if err != nil {
		appctx.GetLogger(r.Context(), s.opts.Logger).Error("issue tokens", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Could not issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{tokenPair: pair, User: user})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	acct := s.byID[userID]
	if acct == nil {
		delete(s.refresh, req.RefreshToken)
		writeMessage(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	// Rotation: a refresh token is single use.
	delete(s.refresh, req.RefreshToken)
	pair, err := s.issue(acct.user)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "Could not issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout revokes the caller's refresh tokens when it presents a valid
// access token. It always succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if claims, err := s.verify(bearer(r)); err == nil {
		s.mu.Lock()
		for token, id := range s.refresh {
			if id == claims.Subject {
				delete(s.refresh, token)
			}
		}
		s.mu.Unlock()
	}
	writeMessage(w, http.StatusOK, "Logged out")
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

func (s *Server) handleAdminPing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// authenticate rejects requests without a current access token with 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verify(bearer(r))
		if err != nil {
			appctx.GetLogger(r.Context(), s.opts.Logger).Debug("access token rejected", "error", err)
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		s.mu.Lock()
		acct := s.byID[claims.Subject]
		s.mu.Unlock()
		if acct == nil {
			writeMessage(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userKey{}, acct.user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userFromContext(r.Context()).Role != role {
				writeMessage(w, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFromContext(ctx context.Context) User {
	u, _ := ctx.Value(userKey{}).(User)
	return u
}
