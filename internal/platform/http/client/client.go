// Package client provides the bounded outbound HTTP transport shared by the
// API client and the refresh endpoint client.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/sokoni/sokoni-client/internal/platform/config"
)

var (
	ErrTooManyRedirects    = errors.New("too many redirects")
	ErrResponseTooLarge    = errors.New("response body too large")
	ErrRedirectNotSameHost = errors.New("redirect to different host blocked")
	ErrRedirectDowngrade   = errors.New("redirect from https to http blocked")
)

// Client is an HTTP client with fixed timeouts, a bounded redirect policy and
// a response size limit.
type Client struct {
	cfg        config.OutboundHTTPConfig
	httpClient *http.Client
}

// userAgentRoundTripper sets the User-Agent header on every request.
type userAgentRoundTripper struct {
	wrapped   http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.userAgent == "" || req.Header.Get("User-Agent") != "" {
		return rt.wrapped.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.wrapped.RoundTrip(clone)
}

// New creates a client from cfg. A nil cfg uses the strict preset.
func New(cfg *config.OutboundHTTPConfig, userAgent string) *Client {
	if cfg == nil {
		cfg = &config.StrictConfig().OutboundHTTP
	}

	c := &Client{cfg: *cfg}

	dialer := &net.Dialer{
		Timeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
	}

	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	c.httpClient = &http.Client{
		Transport: &userAgentRoundTripper{
			wrapped:   transport,
			userAgent: userAgent,
		},
		Timeout:       time.Duration(cfg.TimeoutMS) * time.Millisecond,
		CheckRedirect: c.checkRedirect,
	}

	if cfg.Cookies {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err == nil {
			c.httpClient.Jar = jar
		}
	}

	return c
}

// checkRedirect allows same-host redirects up to MaxRedirects and never
// downgrades from https to http.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.cfg.MaxRedirects {
		return fmt.Errorf("%w: exceeded limit of %d", ErrTooManyRedirects, c.cfg.MaxRedirects)
	}

	orig := via[0]
	if orig.URL.Scheme == "https" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: %s -> %s", ErrRedirectDowngrade, orig.URL.Scheme, req.URL.Scheme)
	}
	if !strings.EqualFold(orig.URL.Hostname(), req.URL.Hostname()) {
		return fmt.Errorf("%w: %s -> %s", ErrRedirectNotSameHost, orig.URL.Host, req.URL.Host)
	}
	return nil
}

// Do sends req using the configured transport.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// ReadBody reads and closes resp.Body, enforcing MaxResponseBytes.
func (c *Client) ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

// Timeout returns the fixed per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRedirectError returns true if the error is a redirect-policy error.
func IsRedirectError(err error) bool {
	return errors.Is(err, ErrRedirectNotSameHost) ||
		errors.Is(err, ErrRedirectDowngrade) ||
		errors.Is(err, ErrTooManyRedirects)
}
