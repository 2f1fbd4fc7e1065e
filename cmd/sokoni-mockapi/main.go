// Package main runs the in-memory development API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sokoni/sokoni-client/internal/components/mockapi"
	"github.com/sokoni/sokoni-client/internal/platform/logutil"
)

// seedFlag collects repeated -user flags of the form email:password[:role].
type seedFlag struct {
	users     []mockapi.User
	passwords map[string]string
}

func (f *seedFlag) String() string { return "" }

func (f *seedFlag) Set(v string) error {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("expected email:password[:role], got %q", v)
	}
	u := mockapi.User{Email: parts[0], Name: parts[0]}
	if len(parts) == 3 {
		u.Role = parts[2]
	}
	f.users = append(f.users, u)
	f.passwords[u.Email] = parts[1]
	return nil
}

func main() {
	seeds := &seedFlag{passwords: map[string]string{}}

	listenAddr := flag.String("listen", ":3000", "Listen address")
	prefix := flag.String("prefix", "/api", "Path prefix for API routes")
	accessTTL := flag.Duration("access-ttl", mockapi.DefaultAccessTTL, "Access token lifetime")
	otp := flag.String("otp", mockapi.DefaultOTP, "OTP accepted for every registration")
	loggingLevel := flag.String("logging-level", "info", "Log level: trace, debug, info, warn, error")
	flag.Var(seeds, "user", "Seed a verified account as email:password[:role] (repeatable)")
	flag.Parse()

	level, err := logutil.ParseLevel(*loggingLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logutil.New(os.Stdout, level)
	slog.SetDefault(logger)

	api := mockapi.New(mockapi.Options{
		AccessTTL: *accessTTL,
		OTP:       *otp,
		Prefix:    *prefix,
		Logger:    logger,
	})
	for _, u := range seeds.users {
		created := api.AddUser(u, seeds.passwords[u.Email])
		logger.Info("seeded user", "email", created.Email, "role", created.Role)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("mock API started, press Ctrl+C to stop",
		"listen", *listenAddr,
		"prefix", *prefix,
		"access_ttl", accessTTL.String())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
