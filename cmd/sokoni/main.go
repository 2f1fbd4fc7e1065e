// Package main is the sokoni command-line client.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sokoni/sokoni-client/internal/components/apiclient"
	"github.com/sokoni/sokoni-client/internal/components/notify"
	"github.com/sokoni/sokoni-client/internal/components/session"
	"github.com/sokoni/sokoni-client/internal/platform/config"
	"github.com/sokoni/sokoni-client/internal/platform/credstore"
	"github.com/sokoni/sokoni-client/internal/platform/logutil"

	// Register credential store drivers
	_ "github.com/sokoni/sokoni-client/internal/platform/credstore/loader"
)

const usage = `usage: sokoni [flags] <command> [args]

commands:
  login       -email|-phone -password      log in and store the session
  register    -name -email|-phone -password [-role]
  verify-otp  -email|-phone -otp           confirm registration and log in
  logout                                   end the session
  whoami                                   print the stored user
  request     [-method M] [-data JSON] PATH  call the API with the stored session

flags:
`

// passwordEnv is read when -password is not given.
const passwordEnv = "SOKONI_PASSWORD"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	// exitSessionExpired tells scripts to run login again.
	exitSessionExpired = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app holds the wired components for one invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   credstore.Store
	client  *apiclient.Client
	session *session.Service
	stdout  io.Writer
	stderr  io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sokoni", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "Path to TOML config file (optional)")
	modeFlag := fs.String("mode", "", "Operating mode: strict or dev (overrides config)")
	baseURL := fs.String("base-url", "", "API base URL (overrides config)")
	timeoutMS := fs.Int("timeout-ms", 0, "Request timeout in milliseconds (overrides config)")
	credentialsDriver := fs.String("credentials-driver", "", "Credential store: memory, file, sqlite or valkey (overrides config)")
	loggingLevel := fs.String("logging-level", "", "Log level: trace, debug, info, warn, error (overrides config)")
	loggingAllowSensitive := fs.String("logging-allow-sensitive", "", "Log tokens verbatim: true or false (overrides config)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitUsage
	}

	// Bootstrap logger for config loading errors
	bootstrapLogger := logutil.New(stderr, slog.LevelWarn)

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		ModeFlag:   *modeFlag,
		FlagOverrides: config.FlagOverrides{
			BaseURL:               baseURL,
			TimeoutMS:             timeoutMS,
			CredentialsDriver:     credentialsDriver,
			LoggingLevel:          loggingLevel,
			LoggingAllowSensitive: loggingAllowSensitive,
		},
		Logger: bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		return exitError
	}

	// Logs go to stderr; stdout carries command output only.
	level, _ := logutil.ParseLevel(cfg.Logging.Level)
	logger := logutil.New(stderr, level)
	logger.Debug("effective configuration", "config", cfg.Redacted())

	store, err := credstore.New(cfg.Credentials.Driver, cfg.Credentials.DriverConfig(cfg.Credentials.Driver))
	if err != nil {
		logger.Error("failed to open credential store", "driver", cfg.Credentials.Driver, "error", err)
		return exitError
	}
	defer store.Close()

	// Signals are collected on the bus and printed once the command is done,
	// so they never interleave with partial command output.
	bus := notify.NewBus()
	events, unsubscribe := bus.Subscribe(signalBuffer)
	defer unsubscribe()
	sink := notify.Multi(notify.NewLogSink(logger), bus)

	client, err := apiclient.NewFromConfig(cfg, store, sink, logger)
	if err != nil {
		logger.Error("failed to create API client", "error", err)
		return exitError
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  client,
		session: session.New(client, cfg.API, logger),
		stdout:  stdout,
		stderr:  stderr,
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var cmdErr error
	switch cmd {
	case "login":
		cmdErr = a.login(ctx, cmdArgs)
	case "register":
		cmdErr = a.register(ctx, cmdArgs)
	case "verify-otp":
		cmdErr = a.verifyOTP(ctx, cmdArgs)
	case "logout":
		cmdErr = a.logout(ctx)
	case "whoami":
		cmdErr = a.whoami(ctx)
	case "request":
		cmdErr = a.request(ctx, cmdArgs)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fs.Usage()
		return exitUsage
	}

	unsubscribe()
	a.printSignals(events)
	if n := bus.Dropped(); n > 0 {
		logger.Warn("signals dropped", "count", n)
	}
	return a.exitCode(cmdErr)
}

// signalBuffer bounds how many signals one command can report.
const signalBuffer = 16

// printSignals drains a closed subscription and tells the user about each signal.
func (a *app) printSignals(events <-chan notify.Event) {
	for ev := range events {
		switch ev.Kind {
		case notify.KindSessionExpired:
			fmt.Fprintln(a.stderr, "Session expired. Please log in again.")
		case notify.KindForbidden:
			fmt.Fprintln(a.stderr, ev.Message)
		}
	}
}

// errUsage marks bad subcommand arguments.
var errUsage = errors.New("usage")

func (a *app) exitCode(err error) int {
	var flowErr *session.Error
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return exitUsage
	case errors.Is(err, apiclient.ErrSessionExpired):
		// The sink already told the user.
		return exitSessionExpired
	case errors.Is(err, session.ErrNotLoggedIn):
		fmt.Fprintln(a.stderr, "Not logged in.")
		return exitError
	case errors.As(err, &flowErr):
		fmt.Fprintln(a.stderr, flowErr.Message)
		return exitError
	case errors.Is(err, apiclient.ErrForbidden):
		return exitError
	default:
		fmt.Fprintln(a.stderr, "error:", err)
		return exitError
	}
}

func (a *app) subFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("sokoni "+name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parseSub(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := a.subFlags("login")
	email := fs.String("email", "", "Account email")
	phone := fs.String("phone", "", "Account phone number")
	password := fs.String("password", "", "Password (default $"+passwordEnv+")")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv(passwordEnv)
	}
	if (*email == "" && *phone == "") || *password == "" {
		fmt.Fprintln(a.stderr, "login requires -email or -phone, and a password")
		return errUsage
	}

	user, err := a.session.Login(ctx, session.LoginRequest{Email: *email, Phone: *phone, Password: *password})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Logged in as %s\n", displayName(user))
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := a.subFlags("register")
	name := fs.String("name", "", "Display name")
	email := fs.String("email", "", "Account email")
	phone := fs.String("phone", "", "Account phone number")
	password := fs.String("password", "", "Password (default $"+passwordEnv+")")
	role := fs.String("role", "", "buyer or seller")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv(passwordEnv)
	}
	if (*email == "" && *phone == "") || *password == "" {
		fmt.Fprintln(a.stderr, "register requires -email or -phone, and a password")
		return errUsage
	}

	res, err := a.session.Register(ctx, session.RegisterRequest{
		Name: *name, Email: *email, Phone: *phone, Password: *password, Role: *role,
	})
	if err != nil {
		return err
	}
	if res.Message != "" {
		fmt.Fprintln(a.stdout, res.Message)
	}
	fmt.Fprintln(a.stdout, "Run `sokoni verify-otp` with the code you received.")
	return nil
}

func (a *app) verifyOTP(ctx context.Context, args []string) error {
	fs := a.subFlags("verify-otp")
	email := fs.String("email", "", "Account email")
	phone := fs.String("phone", "", "Account phone number")
	otp := fs.String("otp", "", "One-time code")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if (*email == "" && *phone == "") || *otp == "" {
		fmt.Fprintln(a.stderr, "verify-otp requires -email or -phone, and -otp")
		return errUsage
	}

	user, err := a.session.VerifyOTP(ctx, session.OTPRequest{Email: *email, Phone: *phone, OTP: *otp})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Verified. Logged in as %s\n", displayName(user))
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Logged out")
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	user, err := a.session.CurrentUser(ctx)
	if err != nil {
		return err
	}

	out := struct {
		*session.User
		AccessExpires string `json:"accessExpires,omitempty"`
	}{User: user}
	if exp, err := a.session.AccessTokenExpiry(ctx); err == nil {
		out.AccessExpires = exp.UTC().Format("2006-01-02T15:04:05Z")
	}
	return writeIndented(a.stdout, out)
}

func (a *app) request(ctx context.Context, args []string) error {
	fs := a.subFlags("request")
	method := fs.String("method", "GET", "HTTP method")
	data := fs.String("data", "", "JSON request body")
	if err := parseSub(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(a.stderr, "request requires exactly one PATH")
		return errUsage
	}

	req := apiclient.Request{Method: strings.ToUpper(*method), Path: fs.Arg(0)}
	if *data != "" {
		if !json.Valid([]byte(*data)) {
			fmt.Fprintln(a.stderr, "-data is not valid JSON")
			return errUsage
		}
		req.Body = json.RawMessage(*data)
	}

	resp, err := a.client.Do(ctx, req)
	if err != nil {
		var statusErr *apiclient.StatusError
		if errors.As(err, &statusErr) && len(statusErr.Body) > 0 {
			writeBody(a.stdout, statusErr.Body)
		}
		return err
	}
	writeBody(a.stdout, resp.Body)
	return nil
}

func displayName(u *session.User) string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	case u.Phone != "":
		return u.Phone
	default:
		return u.ID
	}
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeBody pretty-prints JSON bodies and copies anything else verbatim.
func writeBody(w io.Writer, body []byte) {
	var v any
	if json.Unmarshal(body, &v) == nil {
		writeIndented(w, v)
		return
	}
	w.Write(body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		fmt.Fprintln(w)
	}
}
