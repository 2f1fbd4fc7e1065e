package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/sokoni/sokoni-client/internal/components/apiclient"
	"github.com/sokoni/sokoni-client/internal/components/mockapi"
	"github.com/sokoni/sokoni-client/internal/components/notify"
	"github.com/sokoni/sokoni-client/internal/components/refresh"
	"github.com/sokoni/sokoni-client/internal/platform/config"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
	"github.com/sokoni/sokoni-client/internal/platform/credstore/memory"
)

var failingRefresher = refresh.RefresherFunc(func(context.Context, string) (*oauth2.Token, error) {
	return nil, refresh.ErrRefreshFailed
})

type harness struct {
	api     *mockapi.Server
	client  *apiclient.Client
	svc     *Service
	store   credstore.Store
	expired *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api := mockapi.New(mockapi.Options{Prefix: "/api"})
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	cfg := config.StrictConfig()
	cfg.API.BaseURL = ts.URL + "/api"

	expired := &atomic.Int32{}
	sink := notify.Funcs{OnSessionExpired: func(context.Context) { expired.Add(1) }}

	store := memory.New()
	client, err := apiclient.NewFromConfig(cfg, store, sink, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	return &harness{
		api:     api,
		client:  client,
		svc:     New(client, cfg.API, nil),
		store:   store,
		expired: expired,
	}
}

func TestRegisterThenVerifyOTP(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Register(ctx, RegisterRequest{Name: "Neema", Email: "neema@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !res.OTPRequired || res.Message == "" {
		t.Errorf("register result = %+v", res)
	}

	if _, err := h.svc.CurrentUser(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("CurrentUser before OTP: err = %v, want ErrNotLoggedIn", err)
	}

	user, err := h.svc.VerifyOTP(ctx, OTPRequest{Email: "neema@example.com", OTP: mockapi.DefaultOTP})
	if err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	if user.Name != "Neema" {
		t.Errorf("user = %+v", user)
	}

	current, err := h.svc.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("CurrentUser: %v", err)
	}
	if current.ID != user.ID {
		t.Errorf("stored user %q != verified user %q", current.ID, user.ID)
	}
}

func TestVerifyOTP_WrongCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.Register(ctx, RegisterRequest{Email: "x@example.com", Password: "pw"})

	_, err := h.svc.VerifyOTP(ctx, OTPRequest{Email: "x@example.com", OTP: "999999"})
	var flowErr *Error
	if !errors.As(err, &flowErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if flowErr.Message != "Invalid OTP" {
		t.Errorf("message = %q", flowErr.Message)
	}
}

func TestLogin_WrongPasswordDoesNotExpireSession(t *testing.T) {
	h := newHarness(t)
	h.api.AddUser(mockapi.User{Email: "a@example.com"}, "pw")

	_, err := h.svc.Login(context.Background(), LoginRequest{Email: "a@example.com", Password: "nope"})
	var flowErr *Error
	if !errors.As(err, &flowErr) || flowErr.Message != "Invalid credentials" {
		t.Fatalf("err = %v, want Invalid credentials", err)
	}
	if !errors.Is(err, apiclient.ErrUnauthorized) {
		t.Error("flow error should wrap the status error")
	}
	if h.api.RefreshCalls() != 0 || h.expired.Load() != 0 {
		t.Error("a failed login must not refresh or expire the session")
	}
}

func TestSessionSurvivesAccessTokenExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.AddUser(mockapi.User{Email: "a@example.com", Name: "Baraka"}, "pw")

	if _, err := h.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	before, _ := credstore.Lookup(ctx, h.store, credstore.KeyRefreshToken)

	h.api.ExpireAccessTokens()

	resp, err := h.client.Get(ctx, "/users/profile", nil)
	if err != nil {
		t.Fatalf("Get profile: %v", err)
	}
	var profile User
	if err := resp.DecodeJSON(&profile); err != nil {
		t.Fatal(err)
	}
	if profile.Name != "Baraka" {
		t.Errorf("profile = %+v", profile)
	}
	if h.api.RefreshCalls() != 1 {
		t.Errorf("refresh calls = %d, want 1", h.api.RefreshCalls())
	}
	after, _ := credstore.Lookup(ctx, h.store, credstore.KeyRefreshToken)
	if after == before || after == "" {
		t.Error("rotated refresh token was not stored")
	}
}

func TestRevokedRefreshTokenEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.AddUser(mockapi.User{Email: "a@example.com"}, "pw")
	h.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"})

	h.api.ExpireAccessTokens()
	h.api.RevokeRefreshTokens()

	if _, err := h.client.Get(ctx, "/users/profile", nil); !errors.Is(err, apiclient.ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	if h.expired.Load() != 1 {
		t.Errorf("session-expired signals = %d, want 1", h.expired.Load())
	}
	if _, err := h.svc.CurrentUser(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("CurrentUser after expiry: err = %v", err)
	}
}

func TestForbiddenIsPassedThrough(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.AddUser(mockapi.User{Email: "a@example.com"}, "pw")
	h.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"})

	_, err := h.client.Get(ctx, "/admin/ping", nil)
	if !errors.Is(err, apiclient.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if h.api.RefreshCalls() != 0 {
		t.Error("403 must not trigger refresh")
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.AddUser(mockapi.User{Email: "a@example.com"}, "pw")
	h.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"})

	if err := h.svc.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	for _, key := range []string{credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUser} {
		if v, _ := credstore.Lookup(ctx, h.store, key); v != "" {
			t.Errorf("%s still stored after logout", key)
		}
	}
	if h.client.State() != apiclient.StateExpired {
		t.Errorf("state = %v", h.client.State())
	}
}

func TestLogout_ExpiredSessionDoesNotSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.AddUser(mockapi.User{Email: "a@example.com"}, "pw")
	if _, err := h.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	h.api.ExpireAccessTokens()
	h.api.RevokeRefreshTokens()

	if err := h.svc.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if h.expired.Load() != 0 {
		t.Errorf("session-expired signals = %d, want 0 for a requested logout", h.expired.Load())
	}
	if h.api.RefreshCalls() != 0 {
		t.Errorf("refresh calls = %d, want 0", h.api.RefreshCalls())
	}
	if _, err := h.svc.CurrentUser(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("CurrentUser after logout: err = %v", err)
	}
}

func TestLogout_ServerUnreachable(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.Set(ctx, credstore.KeyAccessToken, "a")
	store.Set(ctx, credstore.KeyUser, `{"id":"1"}`)

	client, err := apiclient.New(apiclient.Options{
		BaseURL:   "http://127.0.0.1:1",
		Store:     store,
		Refresher: failingRefresher,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc := New(client, config.StrictConfig().API, nil)

	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.CurrentUser(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("CurrentUser err = %v, want ErrNotLoggedIn", err)
	}
}

func TestCurrentUser_RequiresToken(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	store.Set(ctx, credstore.KeyUser, `{"id":"1"}`)

	client, _ := apiclient.New(apiclient.Options{
		BaseURL:   "http://127.0.0.1:1",
		Store:     store,
		Refresher: failingRefresher,
	})
	svc := New(client, config.StrictConfig().API, nil)

	if _, err := svc.CurrentUser(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("user without token: err = %v", err)
	}

	store.Set(ctx, credstore.KeyAccessToken, "a")
	store.Set(ctx, credstore.KeyUser, `not json`)
	if _, err := svc.CurrentUser(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("corrupt user: err = %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("any-key"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := TokenExpiry(signed)
	if err != nil {
		t.Fatalf("TokenExpiry: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"}).SignedString([]byte("k"))
	if _, err := TokenExpiry(noExp); err == nil {
		t.Error("token without exp should error")
	}
	if _, err := TokenExpiry("opaque-token"); err == nil {
		t.Error("non-JWT should error")
	}
}

func TestAccessTokenExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.AddUser(mockapi.User{Email: "a@example.com"}, "pw")
	h.svc.Login(ctx, LoginRequest{Email: "a@example.com", Password: "pw"})

	exp, err := h.svc.AccessTokenExpiry(ctx)
	if err != nil {
		t.Fatalf("AccessTokenExpiry: %v", err)
	}
	if d := time.Until(exp); d <= 0 || d > mockapi.DefaultAccessTTL+time.Minute {
		t.Errorf("expiry %v is not within the issued TTL", exp)
	}
}
