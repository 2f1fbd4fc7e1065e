// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Config holds the client configuration.
type Config struct {
	// Mode is the operating mode: strict or dev.
	Mode string `toml:"mode"`

	// API describes the marketplace REST API.
	API APIConfig `toml:"api"`

	// OutboundHTTP configuration
	OutboundHTTP OutboundHTTPConfig `toml:"outbound_http"`

	// Credentials selects the credential store backend.
	Credentials CredentialsConfig `toml:"credentials"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// APIConfig holds the base URL and the auth endpoint paths.
type APIConfig struct {
	// BaseURL is prepended to every request path.
	// Example: "http://localhost:3000/api"
	BaseURL string `toml:"base_url"`

	// RefreshPath exchanges a refresh token for a new token pair.
	RefreshPath string `toml:"refresh_path"`

	LoginPath     string `toml:"login_path"`
	LogoutPath    string `toml:"logout_path"`
	RegisterPath  string `toml:"register_path"`
	VerifyOTPPath string `toml:"verify_otp_path"`

	// UserAgent is sent on every outbound request.
	UserAgent string `toml:"user_agent"`
}

// OutboundHTTPConfig holds settings for outbound HTTP requests.
type OutboundHTTPConfig struct {
	// TimeoutMS is the overall request timeout in milliseconds, applied uniformly.
	TimeoutMS int `toml:"timeout_ms"`

	// ConnectTimeoutMS is the connection timeout in milliseconds
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`

	// MaxRedirects is the maximum number of same-host redirects to follow.
	MaxRedirects int `toml:"max_redirects"`

	// MaxResponseBytes is the maximum response body size
	MaxResponseBytes int64 `toml:"max_response_bytes"`

	// InsecureSkipVerify disables TLS verification (dev-only)
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	// Cookies enables an in-memory cookie jar scoped by the public suffix list.
	Cookies bool `toml:"cookies"`
}

// CredentialsConfig holds credential store settings.
type CredentialsConfig struct {
	// Driver is the credential store driver: memory, file, sqlite, valkey.
	Driver string `toml:"driver"`

	// Drivers holds per-driver configuration.
	// Example: [credentials.drivers.file] path = "~/.sokoni/credentials.json"
	Drivers map[string]map[string]any `toml:"drivers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	Level string `toml:"level"`

	// AllowSensitive permits logging of token values. Use only for debugging.
	AllowSensitive bool `toml:"allow_sensitive"`
}

// DriverConfig returns a copy of the raw config map for the named
// credential driver, or nil when none is configured.
func (c *CredentialsConfig) DriverConfig(name string) map[string]any {
	raw, ok := c.Drivers[name]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	return out
}

// Endpoint joins the base URL and a path.
func (a APIConfig) Endpoint(path string) string {
	return strings.TrimRight(a.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	sb.WriteString(fmt.Sprintf("  Mode: %q,\n", c.Mode))
	sb.WriteString("  API: {\n")
	sb.WriteString(fmt.Sprintf("    BaseURL: %q,\n", c.API.BaseURL))
	sb.WriteString(fmt.Sprintf("    RefreshPath: %q,\n", c.API.RefreshPath))
	sb.WriteString(fmt.Sprintf("    LoginPath: %q,\n", c.API.LoginPath))
	sb.WriteString(fmt.Sprintf("    UserAgent: %q,\n", c.API.UserAgent))
	sb.WriteString("  },\n")
	sb.WriteString("  OutboundHTTP: {\n")
	sb.WriteString(fmt.Sprintf("    TimeoutMS: %d,\n", c.OutboundHTTP.TimeoutMS))
	sb.WriteString(fmt.Sprintf("    ConnectTimeoutMS: %d,\n", c.OutboundHTTP.ConnectTimeoutMS))
	sb.WriteString(fmt.Sprintf("    MaxRedirects: %d,\n", c.OutboundHTTP.MaxRedirects))
	sb.WriteString(fmt.Sprintf("    MaxResponseBytes: %d,\n", c.OutboundHTTP.MaxResponseBytes))
	sb.WriteString(fmt.Sprintf("    InsecureSkipVerify: %v,\n", c.OutboundHTTP.InsecureSkipVerify))
	sb.WriteString(fmt.Sprintf("    Cookies: %v,\n", c.OutboundHTTP.Cookies))
	sb.WriteString("  },\n")
	sb.WriteString("  Credentials: {\n")
	sb.WriteString(fmt.Sprintf("    Driver: %q,\n", c.Credentials.Driver))
	names := make([]string, 0, len(c.Credentials.Drivers))
	for name := range c.Credentials.Drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	sb.WriteString(fmt.Sprintf("    ConfiguredDrivers: %q,\n", names))
	sb.WriteString("  },\n")
	sb.WriteString("  Logging: {\n")
	sb.WriteString(fmt.Sprintf("    Level: %q,\n", c.Logging.Level))
	sb.WriteString(fmt.Sprintf("    AllowSensitive: %v,\n", c.Logging.AllowSensitive))
	sb.WriteString("  },\n")
	sb.WriteString("}")
	return sb.String()
}

// validateBaseURL fails fast on a base URL the client cannot resolve paths against.
func validateBaseURL(cfg *Config) error {
	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid api.base_url %q: %w", cfg.API.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api.base_url %q: scheme must be http or https", cfg.API.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid api.base_url %q: missing host", cfg.API.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid api.base_url %q: must not contain query or fragment", cfg.API.BaseURL)
	}
	return nil
}
