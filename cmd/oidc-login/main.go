package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/refractionpoint/oidc-login/internal/config"
	"github.com/refractionpoint/oidc-login/internal/crypto"
	"github.com/refractionpoint/oidc-login/internal/handshake"
	"github.com/refractionpoint/oidc-login/internal/login"
	"github.com/refractionpoint/oidc-login/internal/messaging"
	"github.com/refractionpoint/oidc-login/internal/ratelimit"
	"github.com/refractionpoint/oidc-login/internal/redis"
	"github.com/refractionpoint/oidc-login/internal/relay"
	"github.com/refractionpoint/oidc-login/internal/session"
	"github.com/refractionpoint/oidc-login/internal/vault"
	"github.com/refractionpoint/oidc-login/internal/window"
)

const usage = `Usage: oidc-login [login|relay|status|logout] [flags]

  login   sign in through the identity provider (default)
  relay   run the provider callback relay
  status  show the stored session
  logout  remove the stored session

A provider window is noticed as closed when its landing page reports it or
when OIDC_LOGIN_WINDOW_TTL expires, which should stay below OIDC_LOGIN_TIMEOUT.
`

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newStoreLogger returns the logrus logger used by the Redis and crypto layers
func newStoreLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

func main() {
	cmd, args := "login", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "login":
		err = runLogin(ctx, cfg, logger, args)
	case "relay":
		err = runRelay(ctx, cfg, logger)
	case "status", "logout":
		err = runSession(ctx, cfg, logger, cmd)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error %s\n", err)
		os.Exit(1)
	}
}

func openRedis(cfg *config.Config) (*redis.Client, *crypto.TokenEncryption, error) {
	storeLogger := newStoreLogger(cfg.LogLevel)

	client, err := redis.New(&redis.Config{URL: cfg.RedisURL}, storeLogger)
	if err != nil {
		return nil, nil, err
	}

	encryption, err := crypto.NewTokenEncryption(cfg.EncryptionKey, storeLogger)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}

	return client, encryption, nil
}

func runRelay(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	redisClient, _, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	srv, err := newRelay(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	return srv.Serve(ctx)
}

func newRelay(cfg *config.Config, redisClient *redis.Client, logger *slog.Logger) (*relay.Server, error) {
	var limiter *ratelimit.Limiter
	if cfg.EnableRateLimit {
		limiter = ratelimit.NewLimiter(redisClient, logger)
	}

	return relay.New(relay.Config{
		Addr:           cfg.RelayAddr,
		PublicOrigin:   cfg.RelayOrigin,
		TrustedProxies: cfg.TrustedProxies,
	}, messaging.NewRedisChannel(redisClient, cfg.ChannelName, logger),
		redisClient,
		window.NewOpener(redisClient, logger, window.WithLeaseTTL(cfg.WindowTTL)),
		limiter,
		logger,
	)
}

func runLogin(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	method := fs.String("method", "", "auth method type (default: last used, then OIDC_LOGIN_METHOD)")
	mount := fs.String("path", cfg.MountPath, "mount path (default: method type)")
	role := fs.String("role", cfg.Role, "role")
	jwtToken := fs.String("jwt", os.Getenv("OIDC_LOGIN_JWT"), "JWT for mounts without OIDC")
	serveRelay := fs.Bool("relay", true, "serve the callback relay on RELAY_ADDR for the duration of the login")
	if err := fs.Parse(args); err != nil {
		return err
	}

	redisClient, encryption, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	backend := newBackend(cfg, logger)

	clusterID, err := resolveClusterID(ctx, cfg, backend)
	if err != nil {
		return err
	}

	sessions := session.NewService(backend, redisClient, encryption, logger)

	selected := *method
	if selected == "" && os.Getenv("OIDC_LOGIN_METHOD") == "" {
		if remembered, err := sessions.SelectedAuth(ctx, clusterID); err == nil && remembered != "" {
			selected = remembered
		}
	}
	if selected == "" {
		selected = cfg.Method
	}

	coordinator := handshake.NewCoordinator(
		backend,
		window.NewOpener(redisClient, logger, window.WithLeaseTTL(cfg.WindowTTL)),
		messaging.NewRedisChannel(redisClient, cfg.ChannelName, logger),
		handshake.Options{
			RedirectURI:    cfg.RedirectURI,
			ExpectedOrigin: cfg.ExpectedOrigin,
			PollInterval:   cfg.PollInterval,
		},
		logger,
	)

	form := login.NewForm(login.Config{
		ClusterID:   clusterID,
		RedirectURI: cfg.RedirectURI,
		Method:      selected,
		MountPath:   *mount,
		Role:        *role,
	}, backend, coordinator, sessions, logger)
	defer form.Close()

	// Ctrl-C abandons the attempt rather than failing it
	stop := context.AfterFunc(ctx, form.Cancel)
	defer stop()

	loginCtx, cancel := context.WithTimeout(ctx, cfg.LoginTimeout)
	defer cancel()

	if *serveRelay {
		srv, err := newRelay(cfg, redisClient, logger)
		if err != nil {
			return err
		}
		relayDone := make(chan error, 1)
		go func() {
			relayDone <- srv.Serve(loginCtx)
		}()
		defer func() {
			cancel()
			if err := <-relayDone; err != nil {
				logger.Warn("Callback relay stopped with error", "error", err)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "Complete the login in your browser (method %q, path %q).\n", form.Method(), form.MountPath())

	result, err := form.Submit(loginCtx, *jwtToken)
	if err != nil {
		if errors.Is(err, handshake.ErrCanceled) && errors.Is(loginCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("login timed out after %s", cfg.LoginTimeout)
		}
		return err
	}

	if result.MFARequired {
		result, err = completeMFA(ctx, sessions, result.MFARequirement, os.Stdin, os.Stderr)
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stdout, "Success! You are now authenticated.")
	printSession(os.Stdout, result.Session)
	return nil
}

func newBackend(cfg *config.Config, logger *slog.Logger) *vault.Client {
	return vault.NewClient(vault.Config{
		Address:   cfg.VaultAddr,
		Namespace: cfg.VaultNamespace,
		Timeout:   cfg.VaultTimeout,
	}, logger)
}

// resolveClusterID keys stored sessions by cluster, asking the server when
// none is configured.
func resolveClusterID(ctx context.Context, cfg *config.Config, backend *vault.Client) (string, error) {
	if cfg.ClusterID != "" {
		return cfg.ClusterID, nil
	}
	health, err := backend.Health(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to reach %s: %w", cfg.VaultAddr, err)
	}
	return health.ClusterID, nil
}

func runSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, cmd string) error {
	redisClient, encryption, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	backend := newBackend(cfg, logger)
	clusterID, err := resolveClusterID(ctx, cfg, backend)
	if err != nil {
		return err
	}

	sessions := session.NewService(backend, redisClient, encryption, logger)

	if cmd == "logout" {
		if err := sessions.Logout(ctx, clusterID); err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, "Success! Session removed.")
		return nil
	}

	sess, err := sessions.Session(ctx, clusterID)
	if err != nil {
		return err
	}
	if sess == nil {
		return errors.New("not logged in")
	}
	printSession(os.Stdout, sess)
	return nil
}

func completeMFA(ctx context.Context, sessions *session.Service, req *vault.MFARequirement, in io.Reader, out io.Writer) (*session.Result, error) {
	prompter := newPrompter(in, out)
	for {
		payload, err := prompter.payload(req)
		if err != nil {
			return nil, err
		}

		result, err := sessions.CompleteMFA(ctx, req.MFARequestID, payload)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, session.ErrTooManyMFAAttempts) || errors.Is(err, session.ErrMFASessionNotFound) {
			return nil, err
		}
		fmt.Fprintf(out, "Error %s\n", err)
	}
}

func printSession(w io.Writer, s *session.Session) {
	fmt.Fprintf(w, "token          %s\n", s.Token)
	fmt.Fprintf(w, "display_name   %s\n", s.DisplayName)
	fmt.Fprintf(w, "policies       [%s]\n", strings.Join(s.Policies, " "))
	if s.ExpiresAt > 0 {
		fmt.Fprintf(w, "expires        %s\n", time.Unix(s.ExpiresAt, 0).Format(time.RFC3339))
	}
}
