package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/sokoni/sokoni-client/internal/platform/logutil"
)

// Mode represents the client operating mode.
type Mode string

const (
	ModeStrict Mode = "strict"
	ModeDev    Mode = "dev"
)

// ParseMode parses a mode string, returning an error for invalid values.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return ModeStrict, nil
	case "dev":
		return ModeDev, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be one of strict, dev", s)
	}
}

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but file is missing or invalid, loading fails.
	ConfigPath string

	// ModeFlag is the --mode flag value (overrides config file mode).
	ModeFlag string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
type FlagOverrides struct {
	BaseURL               *string
	TimeoutMS             *int
	CredentialsDriver     *string
	LoggingLevel          *string
	LoggingAllowSensitive *string // "true", "false", or "" (unset)
}

// fileConfig mirrors Config but with pointer sections to detect presence.
type fileConfig struct {
	Mode         string              `toml:"mode"`
	API          *APIConfig          `toml:"api"`
	OutboundHTTP *outboundHTTPConfig `toml:"outbound_http"`
	Credentials  *CredentialsConfig  `toml:"credentials"`
	Logging      *loggingConfig      `toml:"logging"`
}

// outboundHTTPConfig uses pointers for booleans so an explicit false can
// override a preset true.
type outboundHTTPConfig struct {
	TimeoutMS          int   `toml:"timeout_ms"`
	ConnectTimeoutMS   int   `toml:"connect_timeout_ms"`
	MaxRedirects       *int  `toml:"max_redirects"`
	MaxResponseBytes   int64 `toml:"max_response_bytes"`
	InsecureSkipVerify *bool `toml:"insecure_skip_verify"`
	Cookies            *bool `toml:"cookies"`
}

type loggingConfig struct {
	Level          string `toml:"level"`
	AllowSensitive *bool  `toml:"allow_sensitive"`
}

// Load loads configuration with the following precedence:
//  1. Determine effective mode: --mode flag > mode in config file > default (strict)
//  2. Start from mode preset defaults
//  3. Overlay TOML config file values
//  4. Overlay CLI flags
//  5. Validate
//
// Unknown TOML keys produce a warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var fc fileConfig

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				// Driver sections are free-form and decoded later by each driver.
				if strings.HasPrefix(k.String(), "credentials.drivers.") {
					continue
				}
				keys = append(keys, k.String())
			}
			if len(keys) > 0 {
				logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
			}
		}
	}

	modeStr := "strict"
	if fc.Mode != "" {
		modeStr = fc.Mode
	}
	if opts.ModeFlag != "" {
		modeStr = opts.ModeFlag
	}
	mode, err := ParseMode(modeStr)
	if err != nil {
		return nil, err
	}

	cfg := presetForMode(mode)
	overlayFileConfig(cfg, &fc)
	overlayFlags(cfg, opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func presetForMode(mode Mode) *Config {
	if mode == ModeDev {
		return DevConfig()
	}
	return StrictConfig()
}

// StrictConfig returns production defaults: credentials persisted to disk,
// TLS verified, no sensitive logging.
func StrictConfig() *Config {
	return &Config{
		Mode: string(ModeStrict),
		API: APIConfig{
			BaseURL:       "http://localhost:3000/api",
			RefreshPath:   "/auth/refresh",
			LoginPath:     "/auth/login",
			LogoutPath:    "/auth/logout",
			RegisterPath:  "/auth/register",
			VerifyOTPPath: "/auth/verify-otp",
			UserAgent:     "sokoni-client/1.0",
		},
		OutboundHTTP: OutboundHTTPConfig{
			TimeoutMS:          30000,
			ConnectTimeoutMS:   5000,
			MaxRedirects:       1,
			MaxResponseBytes:   10 << 20,
			InsecureSkipVerify: false,
		},
		Credentials: CredentialsConfig{
			Driver: "file",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DevConfig returns development defaults: credentials in a file under the
// temp dir, kept apart from the strict-mode session, and debug logs.
func DevConfig() *Config {
	cfg := StrictConfig()
	cfg.Mode = string(ModeDev)
	cfg.OutboundHTTP.MaxRedirects = 3
	cfg.OutboundHTTP.InsecureSkipVerify = true
	cfg.Credentials.Driver = "file"
	cfg.Credentials.Drivers = map[string]map[string]any{
		"file": {"path": DevCredentialsPath()},
	}
	cfg.Logging.Level = "debug"
	return cfg
}

// DevCredentialsPath is where dev mode persists the session between runs.
func DevCredentialsPath() string {
	return filepath.Join(os.TempDir(), "sokoni-dev", "credentials.json")
}

// overlayFileConfig applies TOML file values onto cfg.
func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.API != nil {
		overlayString(&cfg.API.BaseURL, fc.API.BaseURL)
		overlayString(&cfg.API.RefreshPath, fc.API.RefreshPath)
		overlayString(&cfg.API.LoginPath, fc.API.LoginPath)
		overlayString(&cfg.API.LogoutPath, fc.API.LogoutPath)
		overlayString(&cfg.API.RegisterPath, fc.API.RegisterPath)
		overlayString(&cfg.API.VerifyOTPPath, fc.API.VerifyOTPPath)
		overlayString(&cfg.API.UserAgent, fc.API.UserAgent)
	}

	if o := fc.OutboundHTTP; o != nil {
		if o.TimeoutMS != 0 {
			cfg.OutboundHTTP.TimeoutMS = o.TimeoutMS
		}
		if o.ConnectTimeoutMS != 0 {
			cfg.OutboundHTTP.ConnectTimeoutMS = o.ConnectTimeoutMS
		}
		if o.MaxRedirects != nil {
			cfg.OutboundHTTP.MaxRedirects = *o.MaxRedirects
		}
		if o.MaxResponseBytes != 0 {
			cfg.OutboundHTTP.MaxResponseBytes = o.MaxResponseBytes
		}
		if o.InsecureSkipVerify != nil {
			cfg.OutboundHTTP.InsecureSkipVerify = *o.InsecureSkipVerify
		}
		if o.Cookies != nil {
			cfg.OutboundHTTP.Cookies = *o.Cookies
		}
	}

	if fc.Credentials != nil {
		overlayString(&cfg.Credentials.Driver, fc.Credentials.Driver)
		// Per-driver sections replace the preset's section of the same name.
		for name, raw := range fc.Credentials.Drivers {
			if cfg.Credentials.Drivers == nil {
				cfg.Credentials.Drivers = make(map[string]map[string]any)
			}
			cfg.Credentials.Drivers[name] = raw
		}
	}

	if fc.Logging != nil {
		overlayString(&cfg.Logging.Level, fc.Logging.Level)
		if fc.Logging.AllowSensitive != nil {
			cfg.Logging.AllowSensitive = *fc.Logging.AllowSensitive
		}
	}
}

func overlayString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// overlayFlags applies CLI flag values onto cfg.
func overlayFlags(cfg *Config, f FlagOverrides) {
	if f.BaseURL != nil {
		overlayString(&cfg.API.BaseURL, *f.BaseURL)
	}
	if f.TimeoutMS != nil && *f.TimeoutMS > 0 {
		cfg.OutboundHTTP.TimeoutMS = *f.TimeoutMS
	}
	if f.CredentialsDriver != nil {
		overlayString(&cfg.Credentials.Driver, *f.CredentialsDriver)
	}
	if f.LoggingLevel != nil {
		overlayString(&cfg.Logging.Level, *f.LoggingLevel)
	}
	if f.LoggingAllowSensitive != nil && *f.LoggingAllowSensitive != "" {
		cfg.Logging.AllowSensitive = *f.LoggingAllowSensitive == "true"
	}
}

// validate checks enum-like fields and numeric bounds.
func validate(cfg *Config) error {
	switch cfg.Credentials.Driver {
	case "memory", "file", "sqlite", "valkey":
	default:
		return fmt.Errorf("invalid credentials.driver %q: must be one of memory, file, sqlite, valkey", cfg.Credentials.Driver)
	}

	if _, err := logutil.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}

	if cfg.OutboundHTTP.TimeoutMS <= 0 {
		return fmt.Errorf("invalid outbound_http.timeout_ms %d: must be positive", cfg.OutboundHTTP.TimeoutMS)
	}
	if cfg.OutboundHTTP.MaxRedirects < 0 {
		return fmt.Errorf("invalid outbound_http.max_redirects %d: must not be negative", cfg.OutboundHTTP.MaxRedirects)
	}
	if cfg.OutboundHTTP.MaxResponseBytes <= 0 {
		return fmt.Errorf("invalid outbound_http.max_response_bytes %d: must be positive", cfg.OutboundHTTP.MaxResponseBytes)
	}

	if cfg.API.RefreshPath == "" {
		return fmt.Errorf("api.refresh_path must not be empty")
	}

	return validateBaseURL(cfg)
}
