// Package refresh exchanges a refresh token for a new token pair.
package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/sokoni/sokoni-client/internal/platform/appctx"
	httpclient "github.com/sokoni/sokoni-client/internal/platform/http/client"
)

// ErrRefreshFailed wraps every failure to obtain new tokens.
var ErrRefreshFailed = errors.New("token refresh failed")

// Refresher obtains a new token pair from a refresh token.
// The returned token's RefreshToken may be empty when the server does not rotate it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// HTTPRefresher calls the refresh endpoint over the plain outbound transport.
// It never goes through the authenticated client, so a 401 here cannot
// trigger another refresh.
type HTTPRefresher struct {
	httpClient *httpclient.Client
	endpoint   string
	logger     *slog.Logger
}

// NewHTTPRefresher creates a refresher posting to endpoint (an absolute URL).
func NewHTTPRefresher(httpClient *httpclient.Client, endpoint string, logger *slog.Logger) *HTTPRefresher {
	if httpClient == nil {
		httpClient = httpclient.New(nil, "")
	}
	return &HTTPRefresher{
		httpClient: httpClient,
		endpoint:   endpoint,
		logger:     logger,
	}
}

// Refresh posts the refresh token and returns the new token pair.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	log := appctx.GetLogger(ctx, r.logger)

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrRefreshFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	body, err := r.httpClient.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrRefreshFailed, err)
	}

	log.Debug("refresh endpoint responded",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrRefreshFailed, err)
	}
	if rr.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access token", ErrRefreshFailed)
	}

	tok := &oauth2.Token{
		AccessToken:  rr.AccessToken,
		RefreshToken: rr.RefreshToken,
		TokenType:    "Bearer",
	}
	if rr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

var _ Refresher = (*HTTPRefresher)(nil)
