// Package apiclient is the authenticated HTTP client for the marketplace API.
//
// Every request carries the stored access token. A 401 triggers at most one
// refresh per credential set: the first request to see it calls the refresh
// endpoint while later ones queue and are replayed with the token it produced.
// A failed refresh clears the credential store and emits a session-expired
// signal.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sokoni/sokoni-client/internal/components/notify"
	"github.com/sokoni/sokoni-client/internal/components/refresh"
	"github.com/sokoni/sokoni-client/internal/platform/appctx"
	"github.com/sokoni/sokoni-client/internal/platform/config"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
	httpclient "github.com/sokoni/sokoni-client/internal/platform/http/client"
	"github.com/sokoni/sokoni-client/internal/platform/logutil"
)

// RequestIDHeader carries the per-call id generated by Do.
const RequestIDHeader = "X-Request-Id"

var errNoRefreshToken = errors.New("no refresh token stored")

// State is the client's view of the current credential set.
type State int

const (
	StateAuthenticated State = iota
	StateRefreshing
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Credentials is an access/refresh token pair.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// refreshOutcome settles one queued request.
type refreshOutcome struct {
	accessToken string
	err         error
}

// refreshState is guarded by Client.mu.
type refreshState struct {
	inProgress bool
	// waiters are resolved in registration order. Each channel has room for
	// exactly one outcome so resolving never blocks.
	waiters []chan refreshOutcome
	// generation changes whenever the credential set is replaced. A 401 for a
	// request sent under an older generation is replayed, not refreshed again.
	generation uint64
	expired    bool
}

// Options configures a Client.
type Options struct {
	// BaseURL is prefixed to relative request paths.
	BaseURL    string
	HTTPClient *httpclient.Client
	Store      credstore.Store
	Refresher  refresh.Refresher
	// Notifier receives session-expired and forbidden signals. Defaults to notify.Nop.
	Notifier notify.Sink
	Logger   *slog.Logger
	// AllowSensitive logs tokens verbatim.
	AllowSensitive bool
}

// Client dispatches API requests with bearer authentication and transparent
// token refresh. It is safe for concurrent use.
type Client struct {
	baseURL        string
	http           *httpclient.Client
	store          credstore.Store
	refresher      refresh.Refresher
	notifier       notify.Sink
	logger         *slog.Logger
	allowSensitive bool

	// writeMu serializes credential writes: SetCredentials, ClearCredentials
	// and the commit of a refresh. It is taken before mu.
	writeMu sync.Mutex
	mu      sync.Mutex
	rs      refreshState
}

// New creates a Client. Store and Refresher are required.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("apiclient: base URL is required")
	}
	if opts.Store == nil {
		return nil, errors.New("apiclient: credential store is required")
	}
	if opts.Refresher == nil {
		return nil, errors.New("apiclient: refresher is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = httpclient.New(nil, "")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop
	}

	c := &Client{
		baseURL:        opts.BaseURL,
		http:           opts.HTTPClient,
		store:          opts.Store,
		refresher:      opts.Refresher,
		notifier:       opts.Notifier,
		logger:         logutil.NoopIfNil(opts.Logger),
		allowSensitive: opts.AllowSensitive,
	}
	c.logger.Debug("api client configured",
		"base_url", c.baseURL,
		"timeout_ms", c.http.Timeout().Milliseconds())
	return c, nil
}

// NewFromConfig wires a Client, its transport and an HTTPRefresher from cfg.
func NewFromConfig(cfg *config.Config, store credstore.Store, notifier notify.Sink, logger *slog.Logger) (*Client, error) {
	hc := httpclient.New(&cfg.OutboundHTTP, cfg.API.UserAgent)
	return New(Options{
		BaseURL:        cfg.API.BaseURL,
		HTTPClient:     hc,
		Store:          store,
		Refresher:      refresh.NewHTTPRefresher(hc, cfg.API.Endpoint(cfg.API.RefreshPath), logger),
		Notifier:       notifier,
		Logger:         logger,
		AllowSensitive: cfg.Logging.AllowSensitive,
	})
}

// Store returns the credential store the client reads tokens from.
func (c *Client) Store() credstore.Store { return c.store }

// State reports whether a refresh is running or the session has expired.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.rs.inProgress:
		return StateRefreshing
	case c.rs.expired:
		return StateExpired
	default:
		return StateAuthenticated
	}
}

// SetCredentials stores a new token pair, e.g. after login.
func (c *Client) SetCredentials(ctx context.Context, creds Credentials) error {
	if creds.AccessToken == "" {
		return errors.New("apiclient: access token is required")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.Set(ctx, credstore.KeyAccessToken, creds.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if creds.RefreshToken != "" {
		if err := c.store.Set(ctx, credstore.KeyRefreshToken, creds.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}

	c.mu.Lock()
	c.rs.generation++
	c.rs.expired = false
	c.mu.Unlock()
	return nil
}

// ClearCredentials removes tokens and the stored user profile.
func (c *Client) ClearCredentials(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := credstore.RemoveAll(ctx, c.store,
		credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUser)

	c.mu.Lock()
	c.rs.generation++
	c.rs.expired = true
	c.mu.Unlock()
	return err
}

// Do dispatches r. A 2xx returns the response; any other status returns a
// *StatusError, a transport failure a *TransportError, and an unrecoverable
// 401 an error matching ErrSessionExpired.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	reqID := uuid.NewString()
	ctx = appctx.WithRequestID(ctx, reqID)
	log := appctx.GetLogger(ctx, c.logger).With("request_id", reqID)

	target, err := r.resolveURL(c.baseURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	gen := c.rs.generation
	c.mu.Unlock()

	var token string
	if !r.Anonymous {
		token, err = credstore.Lookup(ctx, c.store, credstore.KeyAccessToken)
		if err != nil {
			return nil, fmt.Errorf("read access token: %w", err)
		}
	}

	resp, err := c.send(ctx, log, r, target, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && !r.Anonymous {
		return c.handleUnauthorized(ctx, log, r, target, gen)
	}
	return c.finish(ctx, r, target, resp)
}

// handleUnauthorized runs once per request. The replay it performs is never
// routed back here.
func (c *Client) handleUnauthorized(ctx context.Context, log *slog.Logger, r Request, target string, sentGen uint64) (*Response, error) {
	c.mu.Lock()

	if c.rs.inProgress {
		ch := make(chan refreshOutcome, 1)
		c.rs.waiters = append(c.rs.waiters, ch)
		queued := len(c.rs.waiters)
		c.mu.Unlock()

		log.Debug("waiting for in-flight token refresh", "position", queued)
		select {
		case out := <-ch:
			if out.err != nil {
				return nil, out.err
			}
			return c.replay(ctx, log, r, target, out.accessToken)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if c.rs.generation != sentGen {
		// Credentials were replaced after this request went out.
		expired := c.rs.expired
		c.mu.Unlock()
		if expired {
			return nil, ErrSessionExpired
		}
		token, err := credstore.Lookup(ctx, c.store, credstore.KeyAccessToken)
		if err != nil {
			return nil, fmt.Errorf("read access token: %w", err)
		}
		return c.replay(ctx, log, r, target, token)
	}

	if c.rs.expired {
		// The signal already fired for this credential set.
		c.mu.Unlock()
		return nil, ErrSessionExpired
	}

	c.rs.inProgress = true
	startGen := c.rs.generation
	c.mu.Unlock()

	log.Info("access token rejected, refreshing")
	start := time.Now()
	res := c.runRefresh(ctx, log, startGen)

	switch {
	case res.superseded:
		log.Info("credentials replaced during refresh, using current session",
			"waiters", res.waiters,
			"duration_ms", time.Since(start).Milliseconds())
		if res.out.err != nil {
			return nil, res.out.err
		}
		return c.replay(ctx, log, r, target, res.out.accessToken)
	case res.out.err != nil:
		log.Warn("token refresh failed, session expired",
			"error", res.cause,
			"waiters", res.waiters,
			"duration_ms", time.Since(start).Milliseconds())
		c.notifier.SessionExpired(ctx)
		return nil, res.out.err
	}

	log.Info("token refreshed",
		"waiters", res.waiters,
		"duration_ms", time.Since(start).Milliseconds())
	return c.replay(ctx, log, r, target, res.out.accessToken)
}

// refreshResult is what the refreshing request learns once waiters are settled.
type refreshResult struct {
	out refreshOutcome
	// cause is the refresh failure before it was wrapped as a session expiry.
	cause error
	// superseded is set when SetCredentials or ClearCredentials ran while the
	// exchange was in flight. The store is left as they wrote it.
	superseded bool
	waiters    int
}

// runRefresh exchanges the stored refresh token, commits the result and
// settles every waiter. The commit happens under writeMu and only if the
// credential generation is still startGen; otherwise the exchange result is
// discarded and waiters receive the currently stored access token.
func (c *Client) runRefresh(ctx context.Context, log *slog.Logger, startGen uint64) refreshResult {
	// Queued requests depend on this call, so the originator's cancellation
	// must not abort it. The transport timeout still bounds it.
	ctx = context.WithoutCancel(ctx)

	tok, err := c.exchange(ctx)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	superseded := c.rs.generation != startGen
	alreadyExpired := c.rs.expired
	c.mu.Unlock()

	var res refreshResult
	switch {
	case superseded && alreadyExpired:
		res.out.err = ErrSessionExpired
	case superseded:
		res.out.accessToken, res.out.err = credstore.Lookup(ctx, c.store, credstore.KeyAccessToken)
		if res.out.err != nil {
			res.out.err = fmt.Errorf("read access token: %w", res.out.err)
		}
	default:
		if err == nil {
			err = c.storeRefreshed(ctx, tok)
		}
		if err != nil {
			if cerr := credstore.RemoveAll(ctx, c.store,
				credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUser); cerr != nil {
				log.Error("failed to clear credentials", "error", cerr)
			}
			res.cause = err
			res.out.err = sessionExpired(err)
		} else {
			log.Debug("stored refreshed credentials",
				"access_token", logutil.RedactToken(tok.AccessToken, c.allowSensitive),
				"rotated", tok.RefreshToken != "")
			res.out.accessToken = tok.AccessToken
		}
	}
	res.superseded = superseded

	c.mu.Lock()
	waiters := c.rs.waiters
	c.rs.waiters = nil
	c.rs.inProgress = false
	if !superseded {
		c.rs.generation++
		c.rs.expired = res.out.err != nil
	}
	c.mu.Unlock()

	for _, w := range waiters {
		w <- res.out
	}
	res.waiters = len(waiters)
	return res
}

// exchange calls the refresh endpoint with the stored refresh token.
// It does not write to the store.
func (c *Client) exchange(ctx context.Context) (*oauth2.Token, error) {
	rt, err := credstore.Lookup(ctx, c.store, credstore.KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	if rt == "" {
		return nil, errNoRefreshToken
	}
	return c.refresher.Refresh(ctx, rt)
}

func (c *Client) storeRefreshed(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("refresh returned no access token")
	}
	if err := c.store.Set(ctx, credstore.KeyAccessToken, tok.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	// Servers that do not rotate leave the current refresh token valid.
	if tok.RefreshToken != "" {
		if err := c.store.Set(ctx, credstore.KeyRefreshToken, tok.RefreshToken); err != nil {
			return fmt.Errorf("store refresh token: %w", err)
		}
	}
	return nil
}

// replay dispatches r a second time. A 401 here is final.
func (c *Client) replay(ctx context.Context, log *slog.Logger, r Request, target, token string) (*Response, error) {
	resp, err := c.send(ctx, log.With("replay", true), r, target, token)
	if err != nil {
		return nil, err
	}
	return c.finish(ctx, r, target, resp)
}

// send performs one HTTP exchange and reads the whole body.
func (c *Client) send(ctx context.Context, log *slog.Logger, r Request, target, token string) (*Response, error) {
	method := r.method()

	body, isJSON, err := r.bodyReader()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := appctx.RequestID(ctx); id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	log.Debug("dispatching request",
		"method", method,
		"url", target,
		"bearer", logutil.RedactToken(token, c.allowSensitive))

	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		log.Debug("request failed", "method", method, "url", target, "error", err)
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}

	data, err := c.http.ReadBody(httpResp)
	if err != nil {
		return nil, &TransportError{Method: method, URL: target, Err: err}
	}

	log.Debug("response received",
		"method", method,
		"url", target,
		"status", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// finish maps a non-401-handled response onto the result.
func (c *Client) finish(ctx context.Context, r Request, target string, resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	statusErr := &StatusError{
		Method:     r.method(),
		URL:        target,
		StatusCode: resp.StatusCode,
		Message:    serverMessage(resp.Body),
		Body:       resp.Body,
	}

	if resp.StatusCode == http.StatusForbidden {
		msg := statusErr.Message
		if msg == "" {
			msg = notify.DefaultForbiddenMessage
		}
		c.notifier.Forbidden(ctx, msg)
	}
	return nil, statusErr
}

// Get issues a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put issues a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch issues a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete issues a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}
