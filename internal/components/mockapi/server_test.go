package mockapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.Prefix = "/api"
	s := New(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func call(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, ts.URL+"/api"+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func login(t *testing.T, ts *httptest.Server, email, password string) (access, refresh string) {
	t.Helper()
	status, body := call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"email": email, "password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login status = %d (%v)", status, body)
	}
	return body["accessToken"].(string), body["refreshToken"].(string)
}

func TestRegisterVerifyLogin(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	status, body := call(t, ts, http.MethodPost, "/auth/register", "", map[string]string{
		"name": "Juma", "email": "juma@example.com", "password": "pw",
	})
	if status != http.StatusCreated {
		t.Fatalf("register status = %d (%v)", status, body)
	}

	status, _ = call(t, ts, http.MethodPost, "/auth/register", "", map[string]string{
		"email": "JUMA@example.com", "password": "pw",
	})
	if status != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", status)
	}

	status, body = call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "juma@example.com", "password": "pw",
	})
	if status != http.StatusForbidden || body["message"] != "Account not verified" {
		t.Errorf("unverified login = %d %v", status, body)
	}

	status, _ = call(t, ts, http.MethodPost, "/auth/verify-otp", "", map[string]string{
		"email": "juma@example.com", "otp": "000000",
	})
	if status != http.StatusBadRequest {
		t.Errorf("wrong OTP status = %d, want 400", status)
	}

	status, body = call(t, ts, http.MethodPost, "/auth/verify-otp", "", map[string]string{
		"email": "juma@example.com", "otp": DefaultOTP,
	})
	if status != http.StatusOK || body["accessToken"] == nil || body["user"] == nil {
		t.Fatalf("verify-otp = %d %v", status, body)
	}

	access, _ := login(t, ts, "juma@example.com", "pw")
	status, body = call(t, ts, http.MethodGet, "/users/profile", access, nil)
	if status != http.StatusOK || body["name"] != "Juma" || body["role"] != RoleBuyer {
		t.Errorf("profile = %d %v", status, body)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.AddUser(User{Email: "a@example.com"}, "right")

	status, body := call(t, ts, http.MethodPost, "/auth/login", "", map[string]string{
		"email": "a@example.com", "password": "wrong",
	})
	if status != http.StatusUnauthorized || body["message"] != "Invalid credentials" {
		t.Errorf("login = %d %v", status, body)
	}
}

func TestProtectedRoutes(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.AddUser(User{Email: "buyer@example.com"}, "pw")
	s.AddUser(User{Email: "admin@example.com", Role: RoleAdmin}, "pw")

	if status, _ := call(t, ts, http.MethodGet, "/users/profile", "", nil); status != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", status)
	}
	if status, _ := call(t, ts, http.MethodGet, "/users/profile", "garbage", nil); status != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", status)
	}

	buyer, _ := login(t, ts, "buyer@example.com", "pw")
	status, body := call(t, ts, http.MethodGet, "/admin/ping", buyer, nil)
	if status != http.StatusForbidden || body["message"] != "Admin access required" {
		t.Errorf("buyer admin ping = %d %v", status, body)
	}

	admin, _ := login(t, ts, "admin@example.com", "pw")
	if status, _ := call(t, ts, http.MethodGet, "/admin/ping", admin, nil); status != http.StatusOK {
		t.Errorf("admin ping status = %d", status)
	}
}

func TestAccessTokenTTL(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix())
	clock := func() time.Time { return time.Unix(now.Load(), 0) }

	s, ts := newTestServer(t, Options{AccessTTL: time.Minute, Now: clock})
	s.AddUser(User{Email: "a@example.com"}, "pw")
	access, _ := login(t, ts, "a@example.com", "pw")

	if status, _ := call(t, ts, http.MethodGet, "/users/profile", access, nil); status != http.StatusOK {
		t.Fatalf("fresh token status = %d", status)
	}

	now.Add(int64((2 * time.Minute).Seconds()))
	if status, _ := call(t, ts, http.MethodGet, "/users/profile", access, nil); status != http.StatusUnauthorized {
		t.Errorf("expired token status = %d, want 401", status)
	}
}

func TestRefreshRotation(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.AddUser(User{Email: "a@example.com"}, "pw")
	_, refresh := login(t, ts, "a@example.com", "pw")

	s.ExpireAccessTokens()

	status, body := call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d (%v)", status, body)
	}
	newAccess := body["accessToken"].(string)
	if body["refreshToken"] == refresh {
		t.Error("refresh token was not rotated")
	}
	if status, _ := call(t, ts, http.MethodGet, "/users/profile", newAccess, nil); status != http.StatusOK {
		t.Errorf("refreshed token status = %d", status)
	}

	status, _ = call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if status != http.StatusUnauthorized {
		t.Errorf("reused refresh token status = %d, want 401", status)
	}
	if got := s.RefreshCalls(); got != 2 {
		t.Errorf("RefreshCalls() = %d, want 2", got)
	}
}

func TestExpireAccessTokens(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.AddUser(User{Email: "a@example.com"}, "pw")
	access, _ := login(t, ts, "a@example.com", "pw")

	s.ExpireAccessTokens()

	if status, _ := call(t, ts, http.MethodGet, "/users/profile", access, nil); status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 after expiry", status)
	}
}

func TestLogoutRevokesRefreshTokens(t *testing.T) {
	s, ts := newTestServer(t, Options{})
	s.AddUser(User{Email: "a@example.com"}, "pw")
	access, refresh := login(t, ts, "a@example.com", "pw")

	if status, _ := call(t, ts, http.MethodPost, "/auth/logout", access, nil); status != http.StatusOK {
		t.Fatalf("logout status = %d", status)
	}
	status, _ := call(t, ts, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": refresh})
	if status != http.StatusUnauthorized {
		t.Errorf("refresh after logout = %d, want 401", status)
	}

	if status, _ := call(t, ts, http.MethodPost, "/auth/logout", "", nil); status != http.StatusOK {
		t.Errorf("anonymous logout status = %d, want 200", status)
	}
}

func TestNotFoundIsJSON(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	status, body := call(t, ts, http.MethodGet, "/nope", "", nil)
	if status != http.StatusNotFound || body["message"] != "Not found" {
		t.Errorf("got %d %v", status, body)
	}
}
